// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"github.com/keyward/keyward/internal/auth"
)

// SessionStore implements auth.SessionStore on the sessions table.
type SessionStore struct {
	db DB
}

// NewSessionStore creates a SessionStore.
func NewSessionStore(db DB) *SessionStore {
	return &SessionStore{db: db}
}

// Create implements auth.SessionStore.
func (s *SessionStore) Create(ctx context.Context, session *auth.Session) error {
	var expiresAt *time.Time
	if !session.ExpiresAt.IsZero() {
		expiresAt = &session.ExpiresAt
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO sessions (id, username, token_hash, issued_at, expires_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, session.ID.String(), session.Username, session.TokenHash, session.IssuedAt, expiresAt, session.RevokedAt)
	if err != nil {
		return auth.StorageError("insert session", err)
	}
	return nil
}

// GetByTokenHash implements auth.SessionStore.
func (s *SessionStore) GetByTokenHash(ctx context.Context, tokenHash string) (*auth.Session, error) {
	var (
		session   auth.Session
		id        string
		expiresAt *time.Time
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, username, token_hash, issued_at, expires_at, revoked_at
		FROM sessions
		WHERE token_hash = $1
	`, tokenHash).Scan(&id, &session.Username, &session.TokenHash, &session.IssuedAt, &expiresAt, &session.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, auth.NotFoundError("session", tokenHash)
	}
	if err != nil {
		return nil, auth.StorageError("select session", err)
	}

	session.ID, err = ulid.Parse(id)
	if err != nil {
		return nil, auth.StorageError("parse session id", err)
	}
	if expiresAt != nil {
		session.ExpiresAt = *expiresAt
	}
	return &session, nil
}

// Revoke implements auth.SessionStore. Revoking twice keeps the first
// revocation time.
func (s *SessionStore) Revoke(ctx context.Context, tokenHash string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE sessions SET revoked_at = COALESCE(revoked_at, $2) WHERE token_hash = $1
	`, tokenHash, at)
	if err != nil {
		return auth.StorageError("revoke session", err)
	}
	if tag.RowsAffected() == 0 {
		return auth.NotFoundError("session", tokenHash)
	}
	return nil
}

// RevokeByUser implements auth.SessionStore.
func (s *SessionStore) RevokeByUser(ctx context.Context, username string, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE sessions SET revoked_at = $2 WHERE username = $1 AND revoked_at IS NULL
	`, username, at)
	if err != nil {
		return auth.StorageError("revoke user sessions", err)
	}
	return nil
}

// DeleteExpired implements auth.SessionStore.
func (s *SessionStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM sessions WHERE expires_at IS NOT NULL AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, auth.StorageError("delete expired sessions", err)
	}
	return tag.RowsAffected(), nil
}

var _ auth.SessionStore = (*SessionStore)(nil)
