// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyward/keyward/internal/auth"
	"github.com/keyward/keyward/pkg/errutil"
)

func TestNewSession(t *testing.T) {
	issued := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("with ttl", func(t *testing.T) {
		s, err := auth.NewSession("alice", "hash", issued, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, "alice", s.Username)
		assert.Equal(t, issued, s.IssuedAt)
		assert.Equal(t, issued.Add(time.Hour), s.ExpiresAt)
		assert.Equal(t, uint64(issued.UnixMilli()), s.ID.Time())
	})

	t.Run("without ttl never expires", func(t *testing.T) {
		s, err := auth.NewSession("alice", "hash", issued, 0)
		require.NoError(t, err)
		assert.True(t, s.ExpiresAt.IsZero())
		assert.False(t, s.IsExpiredAt(issued.Add(100*365*24*time.Hour)))
	})

	invalid := []struct {
		name     string
		username string
		hash     string
		issued   time.Time
	}{
		{"empty username", "", "hash", issued},
		{"empty hash", "alice", "", issued},
		{"zero issue time", "alice", "hash", time.Time{}},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			_, err := auth.NewSession(tt.username, tt.hash, tt.issued, time.Hour)
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, errutil.CodeInvalidRequest)
		})
	}
}

func TestSession_ActiveAt(t *testing.T) {
	issued := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s, err := auth.NewSession("alice", "hash", issued, time.Hour)
	require.NoError(t, err)

	assert.True(t, s.ActiveAt(issued.Add(59*time.Minute)))
	assert.False(t, s.ActiveAt(issued.Add(time.Hour)), "expiry instant is exclusive")
	assert.True(t, s.IsExpiredAt(issued.Add(2*time.Hour)))

	revoked := issued.Add(time.Minute)
	s.RevokedAt = &revoked
	assert.True(t, s.IsRevoked())
	assert.False(t, s.ActiveAt(issued.Add(2*time.Minute)))
}
