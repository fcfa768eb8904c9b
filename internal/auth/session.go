// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package auth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/keyward/keyward/pkg/errutil"
)

// Session is a ledger entry for an issued session token. Only the token
// hash is kept.
type Session struct {
	ID        ulid.ULID  `json:"id"`
	Username  string     `json:"username"`
	TokenHash string     `json:"token_hash"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt time.Time  `json:"expires_at,omitzero"` // zero means no expiry
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// NewSession creates a validated Session. A non-positive ttl creates a
// session that never expires.
func NewSession(username, tokenHash string, issuedAt time.Time, ttl time.Duration) (*Session, error) {
	if username == "" {
		return nil, oops.Code(errutil.CodeInvalidRequest).Errorf("session username cannot be empty")
	}
	if tokenHash == "" {
		return nil, oops.Code(errutil.CodeInvalidRequest).Errorf("token hash cannot be empty")
	}
	if issuedAt.IsZero() {
		return nil, oops.Code(errutil.CodeInvalidRequest).Errorf("issue time cannot be zero")
	}

	s := &Session{
		ID:        ulid.MustNew(ulid.Timestamp(issuedAt), ulid.DefaultEntropy()),
		Username:  username,
		TokenHash: tokenHash,
		IssuedAt:  issuedAt.UTC(),
	}
	if ttl > 0 {
		s.ExpiresAt = s.IssuedAt.Add(ttl)
	}
	return s, nil
}

// IsExpiredAt reports whether the session has expired at t.
func (s *Session) IsExpiredAt(t time.Time) bool {
	return !s.ExpiresAt.IsZero() && !t.Before(s.ExpiresAt)
}

// IsRevoked reports whether the session was revoked.
func (s *Session) IsRevoked() bool {
	return s.RevokedAt != nil
}

// ActiveAt reports whether the session is usable at t.
func (s *Session) ActiveAt(t time.Time) bool {
	return !s.IsRevoked() && !s.IsExpiredAt(t)
}

// SessionStore persists the session ledger.
type SessionStore interface {
	// Create stores a new session.
	Create(ctx context.Context, session *Session) error

	// GetByTokenHash retrieves a session by its token hash. Returns a
	// NOT_FOUND error wrapping ErrNotFound if absent.
	GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error)

	// Revoke marks one session revoked.
	Revoke(ctx context.Context, tokenHash string, at time.Time) error

	// RevokeByUser marks every active session of a user revoked.
	RevokeByUser(ctx context.Context, username string, at time.Time) error

	// DeleteExpired removes sessions that expired before now and returns
	// how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
