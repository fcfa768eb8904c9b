// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/keyward/keyward/internal/auth"
	"github.com/keyward/keyward/internal/keyexchange"
)

// ExchangeStore implements auth.ExchangeStore on the pending_exchanges table.
type ExchangeStore struct {
	db DB
}

// NewExchangeStore creates an ExchangeStore.
func NewExchangeStore(db DB) *ExchangeStore {
	return &ExchangeStore{db: db}
}

// Put implements auth.ExchangeStore.
func (s *ExchangeStore) Put(ctx context.Context, pending *auth.PendingExchange) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO pending_exchanges (handle, username, shared_secret, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, pending.Handle.String(), nullableString(pending.Username), pending.Secret.Hex(), pending.CreatedAt, pending.ExpiresAt)
	if err != nil {
		return auth.StorageError("insert pending exchange", err)
	}
	return nil
}

// Claim implements auth.ExchangeStore. DELETE ... RETURNING hands the row
// to exactly one caller.
func (s *ExchangeStore) Claim(ctx context.Context, handle ulid.ULID) (*auth.PendingExchange, error) {
	var (
		username *string
		secret   string
		pending  = auth.PendingExchange{Handle: handle}
	)
	err := s.db.QueryRow(ctx, `
		DELETE FROM pending_exchanges WHERE handle = $1
		RETURNING username, shared_secret, created_at, expires_at
	`, handle.String()).Scan(&username, &secret, &pending.CreatedAt, &pending.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, auth.NotFoundError("exchange", handle.String())
	}
	if err != nil {
		return nil, auth.StorageError("claim pending exchange", err)
	}

	if username != nil {
		pending.Username = *username
	}
	pending.Secret, err = keyexchange.ParseSharedSecret(secret)
	if err != nil {
		return nil, auth.StorageError("decode exchange secret", oops.Errorf("corrupt shared key: %v", err))
	}
	return &pending, nil
}

// DeleteExpired implements auth.ExchangeStore.
func (s *ExchangeStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM pending_exchanges WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, auth.StorageError("delete expired exchanges", err)
	}
	return tag.RowsAffected(), nil
}

var _ auth.ExchangeStore = (*ExchangeStore)(nil)
