// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"

	"github.com/keyward/keyward/internal/auth"
	"github.com/keyward/keyward/internal/keyexchange"
)

// Registry implements auth.Registry on the users and user_exchanges tables.
type Registry struct {
	db     DB
	issuer auth.TokenIssuer
	now    func() time.Time
}

// NewRegistry creates a Registry.
func NewRegistry(db DB, issuer auth.TokenIssuer) *Registry {
	return &Registry{db: db, issuer: issuer, now: time.Now}
}

// Register implements auth.Registry. The primary key on username and the
// unique index on lower(email) make the insert atomic.
func (r *Registry) Register(ctx context.Context, username, email, passwordDigest string) (string, error) {
	token, err := r.issuer.IssueToken()
	if err != nil {
		return "", auth.StorageError("issue session token", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO users (username, email, password_digest, session_token, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, username, email, passwordDigest, token, r.now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return "", auth.DuplicateIdentityError()
		}
		return "", oops.With("username", username).Wrap(auth.StorageError("insert user", err))
	}
	return token, nil
}

// LookupByEmailOrUsername implements auth.Registry.
func (r *Registry) LookupByEmailOrUsername(ctx context.Context, identifier string) (*auth.UserRecord, error) {
	query := `
		SELECT username, email, password_digest, session_token, created_at
		FROM users
		WHERE username = $1
	`
	arg := identifier
	if auth.IsEmailIdentifier(identifier) {
		query = `
		SELECT username, email, password_digest, session_token, created_at
		FROM users
		WHERE lower(email) = $1
	`
		arg = auth.NormalizeEmail(identifier)
	}

	rec, err := scanUser(r.db.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, auth.NotFoundError("user", identifier)
	}
	if err != nil {
		return nil, auth.StorageError("select user", err)
	}
	return rec, nil
}

// VerifyAndRotateSession implements auth.Registry. The row stays locked
// from the digest read to the token update.
func (r *Registry) VerifyAndRotateSession(ctx context.Context, username string, verify auth.VerifyFunc) (string, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return "", auth.StorageError("begin transaction", err)
	}

	var digest string
	err = tx.QueryRow(ctx, `
		SELECT password_digest FROM users WHERE username = $1 FOR UPDATE
	`, username).Scan(&digest)
	if err != nil {
		rollback(ctx, tx)
		if errors.Is(err, pgx.ErrNoRows) {
			return "", auth.NotFoundError("user", username)
		}
		return "", auth.StorageError("select password digest", err)
	}

	ok, err := verify(digest)
	if err != nil {
		rollback(ctx, tx)
		return "", auth.StorageError("verify password", err)
	}
	if !ok {
		rollback(ctx, tx)
		return "", auth.InvalidCredentialsError()
	}

	token, err := r.issuer.IssueToken()
	if err != nil {
		rollback(ctx, tx)
		return "", auth.StorageError("issue session token", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE users SET session_token = $2 WHERE username = $1`, username, token); err != nil {
		rollback(ctx, tx)
		return "", auth.StorageError("update session token", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", auth.StorageError("commit session rotation", err)
	}
	return token, nil
}

// BindExchange implements auth.Registry. The foreign key rejects unknown
// usernames.
func (r *Registry) BindExchange(ctx context.Context, username string, secret keyexchange.SharedSecret) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO user_exchanges (username, shared_secret, bound_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (username) DO UPDATE
		SET shared_secret = EXCLUDED.shared_secret, bound_at = EXCLUDED.bound_at
	`, username, secret.Hex(), r.now().UTC())
	if err != nil {
		if isForeignKeyViolation(err) {
			return auth.NotFoundError("user", username)
		}
		return auth.StorageError("upsert exchange binding", err)
	}
	return nil
}

// Exchange implements auth.Registry.
func (r *Registry) Exchange(ctx context.Context, username string) (*auth.ExchangeBinding, error) {
	var b auth.ExchangeBinding
	err := r.db.QueryRow(ctx, `
		SELECT username, shared_secret, bound_at FROM user_exchanges WHERE username = $1
	`, username).Scan(&b.Username, &b.Secret, &b.BoundAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, auth.NotFoundError("exchange", username)
	}
	if err != nil {
		return nil, auth.StorageError("select exchange binding", err)
	}
	return &b, nil
}

// Count implements auth.Registry.
func (r *Registry) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM users`).Scan(&n); err != nil {
		return 0, auth.StorageError("count users", err)
	}
	return n, nil
}

func scanUser(row pgx.Row) (*auth.UserRecord, error) {
	var (
		rec   auth.UserRecord
		token *string
	)
	if err := row.Scan(&rec.Username, &rec.Email, &rec.PasswordDigest, &token, &rec.CreatedAt); err != nil {
		return nil, err
	}
	if token != nil {
		rec.SessionToken = *token
	}
	return &rec, nil
}

var _ auth.Registry = (*Registry)(nil)
