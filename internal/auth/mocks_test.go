// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package auth_test

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/mock"

	"github.com/keyward/keyward/internal/auth"
	"github.com/keyward/keyward/internal/identity"
	"github.com/keyward/keyward/internal/keyexchange"
)

// mockRegistry is a mock for auth.Registry.
type mockRegistry struct {
	mock.Mock
}

func (m *mockRegistry) Register(ctx context.Context, username, email, digest string) (string, error) {
	args := m.Called(ctx, username, email, digest)
	return args.String(0), args.Error(1)
}

func (m *mockRegistry) LookupByEmailOrUsername(ctx context.Context, identifier string) (*auth.UserRecord, error) {
	args := m.Called(ctx, identifier)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auth.UserRecord), args.Error(1)
}

func (m *mockRegistry) VerifyAndRotateSession(ctx context.Context, username string, verify auth.VerifyFunc) (string, error) {
	args := m.Called(ctx, username, verify)
	return args.String(0), args.Error(1)
}

func (m *mockRegistry) BindExchange(ctx context.Context, username string, secret keyexchange.SharedSecret) error {
	args := m.Called(ctx, username, secret)
	return args.Error(0)
}

func (m *mockRegistry) Exchange(ctx context.Context, username string) (*auth.ExchangeBinding, error) {
	args := m.Called(ctx, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auth.ExchangeBinding), args.Error(1)
}

func (m *mockRegistry) Count(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

// mockSessionStore is a mock for auth.SessionStore.
type mockSessionStore struct {
	mock.Mock
}

func (m *mockSessionStore) Create(ctx context.Context, s *auth.Session) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *mockSessionStore) GetByTokenHash(ctx context.Context, hash string) (*auth.Session, error) {
	args := m.Called(ctx, hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auth.Session), args.Error(1)
}

func (m *mockSessionStore) Revoke(ctx context.Context, hash string, at time.Time) error {
	args := m.Called(ctx, hash, at)
	return args.Error(0)
}

func (m *mockSessionStore) RevokeByUser(ctx context.Context, username string, at time.Time) error {
	args := m.Called(ctx, username, at)
	return args.Error(0)
}

func (m *mockSessionStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

// mockExchangeStore is a mock for auth.ExchangeStore.
type mockExchangeStore struct {
	mock.Mock
}

func (m *mockExchangeStore) Put(ctx context.Context, p *auth.PendingExchange) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *mockExchangeStore) Claim(ctx context.Context, handle ulid.ULID) (*auth.PendingExchange, error) {
	args := m.Called(ctx, handle)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auth.PendingExchange), args.Error(1)
}

func (m *mockExchangeStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

// mockHasher is a mock for auth.PasswordHasher.
type mockHasher struct {
	mock.Mock
}

func (m *mockHasher) Hash(password string) (string, error) {
	args := m.Called(password)
	return args.String(0), args.Error(1)
}

func (m *mockHasher) Verify(password, digest string) (bool, error) {
	args := m.Called(password, digest)
	return args.Bool(0), args.Error(1)
}

// staticIdentity is an auth.IdentityProvider returning a fixed identity.
type staticIdentity struct {
	id  identity.ServerIdentity
	err error
}

func (s staticIdentity) EnsureIdentity(context.Context) (identity.ServerIdentity, error) {
	return s.id, s.err
}
