// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"

	"github.com/keyward/keyward/internal/identity"
	"github.com/keyward/keyward/internal/keyexchange"
	"github.com/keyward/keyward/pkg/errutil"
)

// IdentityStore implements identity.Store on the single-row server_identity
// table.
type IdentityStore struct {
	db DB
}

// NewIdentityStore creates an IdentityStore.
func NewIdentityStore(db DB) *IdentityStore {
	return &IdentityStore{db: db}
}

// Load implements identity.Store.
func (s *IdentityStore) Load(ctx context.Context) (identity.ServerIdentity, error) {
	var (
		pubHex, privHex string
		id              identity.ServerIdentity
	)
	err := s.db.QueryRow(ctx, `
		SELECT public_key, private_key, created_at FROM server_identity WHERE id = 1
	`).Scan(&pubHex, &privHex, &id.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return identity.ServerIdentity{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.ServerIdentity{}, oops.Code(errutil.CodeStorage).
			With("operation", "select server identity").
			Wrap(err)
	}

	id.PublicKey, err = keyexchange.ParsePublicKey(pubHex)
	if err != nil {
		return identity.ServerIdentity{}, oops.Code(errutil.CodeStorage).Errorf("corrupt public key: %v", err)
	}
	id.PrivateKey, err = keyexchange.ParsePrivateKey(privHex)
	if err != nil {
		return identity.ServerIdentity{}, oops.Code(errutil.CodeStorage).Errorf("corrupt private key: %v", err)
	}
	return id, nil
}

// Create implements identity.Store. A concurrent creator that loses the
// race gets identity.ErrExists.
func (s *IdentityStore) Create(ctx context.Context, id identity.ServerIdentity) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO server_identity (id, public_key, private_key, created_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, id.PublicKey.Hex(), id.PrivateKey.Hex(), id.CreatedAt)
	if err != nil {
		return oops.Code(errutil.CodeStorage).
			With("operation", "insert server identity").
			Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return identity.ErrExists
	}
	return nil
}

var _ identity.Store = (*IdentityStore)(nil)
