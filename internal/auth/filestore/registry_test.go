// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package filestore_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyward/keyward/internal/auth"
	"github.com/keyward/keyward/internal/auth/filestore"
	"github.com/keyward/keyward/internal/keyexchange"
	"github.com/keyward/keyward/internal/store"
	"github.com/keyward/keyward/pkg/errutil"
)

func openRegistry(t *testing.T, dir string) *filestore.Registry {
	t.Helper()
	reg, err := filestore.OpenRegistry(dir, auth.NewTokenIssuer())
	require.NoError(t, err)
	return reg
}

func acceptDigest(want string) auth.VerifyFunc {
	return func(digest string) (bool, error) { return digest == want, nil }
}

func TestOpenRegistry_RequiresIssuer(t *testing.T) {
	_, err := filestore.OpenRegistry(t.TempDir(), nil)
	require.Error(t, err)
}

func TestRegistry_Register(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	reg := openRegistry(t, dir)

	token, err := reg.Register(ctx, "alice", "Alice@Example.com", "digest-a")
	require.NoError(t, err)
	assert.Len(t, token, auth.SessionTokenLength)

	rec, err := reg.LookupByEmailOrUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Username)
	assert.Equal(t, "Alice@Example.com", rec.Email)
	assert.Equal(t, "digest-a", rec.PasswordDigest)
	assert.Equal(t, token, rec.SessionToken)
	assert.False(t, rec.CreatedAt.IsZero())

	n, err := reg.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	t.Run("record is stored under the hex username", func(t *testing.T) {
		path := filepath.Join(dir, filestore.RegistryDir, filestore.UsersDir,
			hex.EncodeToString([]byte("alice")), filestore.UserFile)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var onDisk map[string]any
		require.NoError(t, json.Unmarshal(data, &onDisk))
		assert.Equal(t, "alice", onDisk["username"])
		assert.Equal(t, "digest-a", onDisk["password"])
		assert.Contains(t, onDisk, "date_created")
	})

	t.Run("index maps username to email", func(t *testing.T) {
		data, err := os.ReadFile(filepath.Join(dir, filestore.RegistryDir, filestore.IndexFile))
		require.NoError(t, err)
		var index map[string]string
		require.NoError(t, json.Unmarshal(data, &index))
		assert.Equal(t, map[string]string{"alice": "Alice@Example.com"}, index)
	})
}

func TestRegistry_Register_Duplicates(t *testing.T) {
	ctx := context.Background()
	reg := openRegistry(t, t.TempDir())

	_, err := reg.Register(ctx, "alice", "alice@example.com", "d1")
	require.NoError(t, err)

	tests := []struct {
		name     string
		username string
		email    string
	}{
		{"same username", "alice", "other@example.com"},
		{"same email", "bob", "alice@example.com"},
		{"case variant email", "carol", "ALICE@Example.COM"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Register(ctx, tt.username, tt.email, "d2")
			require.Error(t, err)
			errutil.AssertPublicError(t, err, errutil.CodeDuplicateIdentity, "username or email already registered")

			n, err := reg.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}

	rec, err := reg.LookupByEmailOrUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "d1", rec.PasswordDigest)

	t.Run("usernames are case-sensitive", func(t *testing.T) {
		_, err := reg.Register(ctx, "Alice", "alice2@example.com", "d3")
		require.NoError(t, err)
	})
}

func TestRegistry_LookupByEmail(t *testing.T) {
	ctx := context.Background()
	reg := openRegistry(t, t.TempDir())

	_, err := reg.Register(ctx, "alice", "User@Example.com", "d")
	require.NoError(t, err)

	rec, err := reg.LookupByEmailOrUsername(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Username)

	_, err = reg.LookupByEmailOrUsername(ctx, "nobody@example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, auth.ErrNotFound)
	errutil.AssertErrorCode(t, err, errutil.CodeNotFound)

	_, err = reg.LookupByEmailOrUsername(ctx, "nobody")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestRegistry_VerifyAndRotateSession(t *testing.T) {
	ctx := context.Background()
	reg := openRegistry(t, t.TempDir())

	first, err := reg.Register(ctx, "alice", "alice@example.com", "good")
	require.NoError(t, err)

	t.Run("wrong password leaves the record unchanged", func(t *testing.T) {
		_, err := reg.VerifyAndRotateSession(ctx, "alice", acceptDigest("other"))
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, errutil.CodeInvalidCredentials)

		rec, err := reg.LookupByEmailOrUsername(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, first, rec.SessionToken)
	})

	t.Run("correct password rotates the token", func(t *testing.T) {
		second, err := reg.VerifyAndRotateSession(ctx, "alice", acceptDigest("good"))
		require.NoError(t, err)
		assert.NotEqual(t, first, second)

		rec, err := reg.LookupByEmailOrUsername(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, second, rec.SessionToken)
		assert.Equal(t, "good", rec.PasswordDigest)
	})

	t.Run("verifier error is a storage error", func(t *testing.T) {
		_, err := reg.VerifyAndRotateSession(ctx, "alice", func(string) (bool, error) {
			return false, errors.New("corrupt digest")
		})
		errutil.AssertErrorCode(t, err, errutil.CodeStorage)
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := reg.VerifyAndRotateSession(ctx, "bob", acceptDigest("good"))
		errutil.AssertErrorCode(t, err, errutil.CodeNotFound)
	})
}

func TestRegistry_VerifyAndRotateSession_UnreadableRecord(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	reg := openRegistry(t, dir)

	_, err := reg.Register(ctx, "alice", "alice@example.com", "good")
	require.NoError(t, err)

	path := filepath.Join(dir, filestore.RegistryDir, filestore.UsersDir,
		hex.EncodeToString([]byte("alice")), filestore.UserFile)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err = reg.VerifyAndRotateSession(ctx, "alice", acceptDigest("good"))
	require.Error(t, err)
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestRegistry_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	reg, err := filestore.OpenRegistry(dir, auth.NewTokenIssuer(),
		filestore.WithClock(func() time.Time { return created }))
	require.NoError(t, err)
	token, err := reg.Register(ctx, "alice", "Alice@Example.com", "d")
	require.NoError(t, err)

	reopened := openRegistry(t, dir)
	rec, err := reopened.LookupByEmailOrUsername(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, auth.UserRecord{
		Username:       "alice",
		Email:          "Alice@Example.com",
		PasswordDigest: "d",
		CreatedAt:      created,
		SessionToken:   token,
	}, *rec)

	_, err = reopened.Register(ctx, "bob", "ALICE@example.com", "d")
	errutil.AssertErrorCode(t, err, errutil.CodeDuplicateIdentity)
}

func TestRegistry_Register_IndexFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	reg := openRegistry(t, dir)

	// A directory in place of the index makes the index rename fail.
	indexPath := filepath.Join(dir, filestore.RegistryDir, filestore.IndexFile)
	require.NoError(t, os.MkdirAll(filepath.Join(indexPath, "blocker"), 0o700))

	_, err := reg.Register(ctx, "alice", "alice@example.com", "d")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, errutil.CodeStorage)

	_, statErr := os.Stat(filepath.Join(dir, filestore.RegistryDir, filestore.UsersDir,
		hex.EncodeToString([]byte("alice"))))
	assert.True(t, os.IsNotExist(statErr), "record must be rolled back")

	n, err := reg.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = reg.LookupByEmailOrUsername(ctx, "alice@example.com")
	assert.ErrorIs(t, err, auth.ErrNotFound)

	require.NoError(t, os.RemoveAll(indexPath))
	_, err = reg.Register(ctx, "alice", "alice@example.com", "d")
	require.NoError(t, err)
}

func TestRegistry_Register_UnsyncedIndexKeepsRegistration(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	reg := openRegistry(t, dir)

	// The index is replaced on disk, then the directory sync fails.
	filestore.SetIndexWriter(reg, func(path string, v any) error {
		if err := store.WriteJSONAtomic(path, v); err != nil {
			return err
		}
		return fmt.Errorf("sync directory: %w", store.ErrNotDurable)
	})

	token, err := reg.Register(ctx, "alice", "alice@example.com", "good")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	_, statErr := os.Stat(filepath.Join(dir, filestore.RegistryDir, filestore.UsersDir,
		hex.EncodeToString([]byte("alice")), filestore.UserFile))
	require.NoError(t, statErr, "record must survive")

	_, err = reg.Register(ctx, "alice2", "ALICE@example.com", "good")
	errutil.AssertErrorCode(t, err, errutil.CodeDuplicateIdentity)

	reopened := openRegistry(t, dir)
	rec, err := reopened.LookupByEmailOrUsername(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, token, rec.SessionToken)

	_, err = reopened.VerifyAndRotateSession(ctx, "alice", acceptDigest("good"))
	require.NoError(t, err)
}

func TestRegistry_VerifyAndRotateSession_VerifiesOutsideWriteLock(t *testing.T) {
	ctx := context.Background()
	reg := openRegistry(t, t.TempDir())

	_, err := reg.Register(ctx, "alice", "alice@example.com", "good")
	require.NoError(t, err)

	var registerErr error
	token, err := reg.VerifyAndRotateSession(ctx, "alice", func(digest string) (bool, error) {
		done := make(chan error, 1)
		go func() {
			_, err := reg.Register(ctx, "bob", "bob@example.com", "d")
			done <- err
		}()
		select {
		case registerErr = <-done:
		case <-time.After(5 * time.Second):
			registerErr = errors.New("registration blocked while verifying")
		}
		return digest == "good", nil
	})
	require.NoError(t, err)
	require.NoError(t, registerErr)

	rec, err := reg.LookupByEmailOrUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, token, rec.SessionToken)

	n, err := reg.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRegistry_VerifyAndRotateSession_DigestChangedDuringVerify(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	reg := openRegistry(t, dir)

	first, err := reg.Register(ctx, "alice", "alice@example.com", "good")
	require.NoError(t, err)

	path := filepath.Join(dir, filestore.RegistryDir, filestore.UsersDir,
		hex.EncodeToString([]byte("alice")), filestore.UserFile)
	_, err = reg.VerifyAndRotateSession(ctx, "alice", func(digest string) (bool, error) {
		rec, err := reg.LookupByEmailOrUsername(ctx, "alice")
		if err != nil {
			return false, err
		}
		rec.PasswordDigest = "replaced"
		data, err := json.Marshal(rec)
		if err != nil {
			return false, err
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return false, err
		}
		return digest == "good", nil
	})
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, errutil.CodeInvalidCredentials)

	rec, err := reg.LookupByEmailOrUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, first, rec.SessionToken)
}

func TestRegistry_ConcurrentRegistrations(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	reg := openRegistry(t, dir)

	const n = 50
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = reg.Register(ctx, fmt.Sprintf("user%02d", i), fmt.Sprintf("user%02d@example.com", i), "d")
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	count, err := reg.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, count)

	entries, err := os.ReadDir(filepath.Join(dir, filestore.RegistryDir, filestore.UsersDir))
	require.NoError(t, err)
	assert.Len(t, entries, n)

	reopened := openRegistry(t, dir)
	count, err = reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, count)
}

func TestRegistry_ConcurrentDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	reg := openRegistry(t, t.TempDir())

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = reg.Register(ctx, fmt.Sprintf("user%02d", i), "Shared@Example.com", "d")
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		errutil.AssertErrorCode(t, err, errutil.CodeDuplicateIdentity)
	}
	assert.Equal(t, 1, succeeded)
}

func TestRegistry_BindExchange(t *testing.T) {
	ctx := context.Background()
	reg := openRegistry(t, t.TempDir())

	secret := keyexchange.SharedSecret{1, 2, 3}

	err := reg.BindExchange(ctx, "alice", secret)
	errutil.AssertErrorCode(t, err, errutil.CodeNotFound)

	_, err = reg.Register(ctx, "alice", "alice@example.com", "d")
	require.NoError(t, err)

	_, err = reg.Exchange(ctx, "alice")
	assert.ErrorIs(t, err, auth.ErrNotFound)

	require.NoError(t, reg.BindExchange(ctx, "alice", secret))
	binding, err := reg.Exchange(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", binding.Username)
	assert.Equal(t, secret.Hex(), binding.Secret)
	assert.False(t, binding.BoundAt.IsZero())
}

type failingIssuer struct{}

func (failingIssuer) IssueToken() (string, error) { return "", errors.New("no entropy") }

func TestRegistry_Register_IssuerFailure(t *testing.T) {
	reg, err := filestore.OpenRegistry(t.TempDir(), failingIssuer{})
	require.NoError(t, err)

	_, err = reg.Register(context.Background(), "alice", "alice@example.com", "d")
	errutil.AssertErrorCode(t, err, errutil.CodeStorage)

	n, err := reg.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
