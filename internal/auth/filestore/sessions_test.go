// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package filestore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyward/keyward/internal/auth"
	"github.com/keyward/keyward/internal/auth/filestore"
	"github.com/keyward/keyward/pkg/errutil"
)

func newSession(t *testing.T, username, token string, issued time.Time, ttl time.Duration) *auth.Session {
	t.Helper()
	s, err := auth.NewSession(username, auth.HashSessionToken(token), issued, ttl)
	require.NoError(t, err)
	return s
}

func TestSessionStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	st, err := filestore.OpenSessionStore(t.TempDir())
	require.NoError(t, err)

	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newSession(t, "alice", "token-a", issued, time.Hour)
	require.NoError(t, st.Create(ctx, s))

	got, err := st.GetByTokenHash(ctx, s.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, "alice", got.Username)
	assert.True(t, got.IssuedAt.Equal(issued))
	assert.True(t, got.ExpiresAt.Equal(issued.Add(time.Hour)))
	assert.Nil(t, got.RevokedAt)

	t.Run("duplicate hash is rejected", func(t *testing.T) {
		err := st.Create(ctx, s)
		errutil.AssertErrorCode(t, err, errutil.CodeStorage)
	})

	t.Run("malformed hash is rejected", func(t *testing.T) {
		bad := *s
		bad.TokenHash = "../escape"
		errutil.AssertErrorCode(t, st.Create(ctx, &bad), errutil.CodeStorage)
	})
}

func TestSessionStore_GetByTokenHash_NotFound(t *testing.T) {
	st, err := filestore.OpenSessionStore(t.TempDir())
	require.NoError(t, err)

	for _, hash := range []string{auth.HashSessionToken("missing"), "not-a-hash"} {
		_, err := st.GetByTokenHash(context.Background(), hash)
		assert.ErrorIs(t, err, auth.ErrNotFound)
		errutil.AssertErrorCode(t, err, errutil.CodeNotFound)
	}
}

func TestSessionStore_Revoke(t *testing.T) {
	ctx := context.Background()
	st, err := filestore.OpenSessionStore(t.TempDir())
	require.NoError(t, err)

	s := newSession(t, "alice", "token-a", time.Now(), 0)
	require.NoError(t, st.Create(ctx, s))

	first := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.Revoke(ctx, s.TokenHash, first))
	require.NoError(t, st.Revoke(ctx, s.TokenHash, first.Add(time.Hour)))

	got, err := st.GetByTokenHash(ctx, s.TokenHash)
	require.NoError(t, err)
	require.NotNil(t, got.RevokedAt)
	assert.True(t, got.RevokedAt.Equal(first))

	err = st.Revoke(ctx, auth.HashSessionToken("missing"), first)
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestSessionStore_RevokeByUser(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := filestore.OpenSessionStore(dir)
	require.NoError(t, err)

	now := time.Now()
	a1 := newSession(t, "alice", "a1", now, 0)
	a2 := newSession(t, "alice", "a2", now, 0)
	b1 := newSession(t, "bob", "b1", now, 0)
	for _, s := range []*auth.Session{a1, a2, b1} {
		require.NoError(t, st.Create(ctx, s))
	}
	// Leftover temp files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, filestore.SessionsDir, ".x.json.tmp-1"), []byte("junk"), 0o600))

	require.NoError(t, st.RevokeByUser(ctx, "alice", now))

	for _, s := range []*auth.Session{a1, a2} {
		got, err := st.GetByTokenHash(ctx, s.TokenHash)
		require.NoError(t, err)
		assert.True(t, got.IsRevoked())
	}
	got, err := st.GetByTokenHash(ctx, b1.TokenHash)
	require.NoError(t, err)
	assert.False(t, got.IsRevoked())
}

func TestSessionStore_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	st, err := filestore.OpenSessionStore(t.TempDir())
	require.NoError(t, err)

	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	short := newSession(t, "alice", "short", issued, time.Minute)
	long := newSession(t, "alice", "long", issued, time.Hour)
	forever := newSession(t, "bob", "forever", issued, 0)
	for _, s := range []*auth.Session{short, long, forever} {
		require.NoError(t, st.Create(ctx, s))
	}

	n, err := st.DeleteExpired(ctx, issued.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = st.GetByTokenHash(ctx, short.TokenHash)
	assert.ErrorIs(t, err, auth.ErrNotFound)
	_, err = st.GetByTokenHash(ctx, long.TokenHash)
	require.NoError(t, err)
	_, err = st.GetByTokenHash(ctx, forever.TokenHash)
	require.NoError(t, err)
}
