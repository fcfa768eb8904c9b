// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package auth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/keyward/keyward/internal/keyexchange"
)

// DefaultExchangeTTL is how long an unclaimed key exchange stays usable.
const DefaultExchangeTTL = 10 * time.Minute

// PendingExchange holds a shared secret derived for a client that has not
// registered yet. Registration claims it by Handle.
type PendingExchange struct {
	Handle    ulid.ULID
	Username  string // claimed username, may be empty
	Secret    keyexchange.SharedSecret
	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsExpiredAt reports whether the exchange can no longer be claimed at t.
func (p *PendingExchange) IsExpiredAt(t time.Time) bool {
	return !t.Before(p.ExpiresAt)
}

// ClaimableBy reports whether username may claim the exchange.
func (p *PendingExchange) ClaimableBy(username string) bool {
	return p.Username == "" || p.Username == username
}

// ExchangeStore persists pending exchanges.
type ExchangeStore interface {
	// Put stores a new pending exchange.
	Put(ctx context.Context, pending *PendingExchange) error

	// Claim removes and returns the exchange with the given handle. At most
	// one caller can claim a handle. Returns a NOT_FOUND error if absent.
	Claim(ctx context.Context, handle ulid.ULID) (*PendingExchange, error)

	// DeleteExpired removes exchanges that expired before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
