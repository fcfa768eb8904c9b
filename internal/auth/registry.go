// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package auth

import (
	"context"

	"github.com/keyward/keyward/internal/keyexchange"
)

// VerifyFunc checks a candidate password against a stored digest.
type VerifyFunc func(passwordDigest string) (bool, error)

// Registry is the durable username to UserRecord mapping together with the
// username/email index. Implementations serialize mutations and keep the
// record and the index consistent: a record becomes visible only once its
// index entry is persisted.
type Registry interface {
	// Register inserts a new user and returns its first session token.
	// Fails with DUPLICATE_IDENTITY when the username exists or the email
	// matches an existing one case-insensitively.
	Register(ctx context.Context, username, email, passwordDigest string) (string, error)

	// LookupByEmailOrUsername resolves identifiers containing "@" as emails
	// (case-insensitive) and anything else as a username.
	LookupByEmailOrUsername(ctx context.Context, identifier string) (*UserRecord, error)

	// VerifyAndRotateSession calls verify with the stored digest and, on
	// success, replaces the session token. A failed verification returns
	// INVALID_CREDENTIALS and leaves the record unchanged.
	VerifyAndRotateSession(ctx context.Context, username string, verify VerifyFunc) (string, error)

	// BindExchange stores the shared secret of a key exchange for a
	// registered user.
	BindExchange(ctx context.Context, username string, secret keyexchange.SharedSecret) error

	// Exchange returns the most recent binding stored by BindExchange.
	Exchange(ctx context.Context, username string) (*ExchangeBinding, error)

	// Count returns the number of registered users.
	Count(ctx context.Context) (int, error)
}
