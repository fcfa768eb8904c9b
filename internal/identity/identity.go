// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

// Package identity manages the server's long-term X25519 identity key pair.
// The pair is generated on first use, persisted, and never rotated.
package identity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/keyward/keyward/internal/keyexchange"
	"github.com/keyward/keyward/pkg/errutil"
)

// Sentinel errors returned by Store implementations.
var (
	ErrNotFound = errors.New("server identity not found")
	ErrExists   = errors.New("server identity already exists")
)

// ServerIdentity is the server's key pair.
type ServerIdentity struct {
	PublicKey  keyexchange.PublicKey
	PrivateKey keyexchange.PrivateKey
	CreatedAt  time.Time
}

// Validate checks that the public key belongs to the private key.
func (s ServerIdentity) Validate() error {
	derived, err := s.PrivateKey.Public()
	if err != nil {
		return oops.Errorf("derive public key: %v", err)
	}
	if derived != s.PublicKey {
		return oops.Errorf("public key does not match private key")
	}
	return nil
}

// Store persists the identity.
type Store interface {
	// Load returns the persisted identity or ErrNotFound.
	Load(ctx context.Context) (ServerIdentity, error)

	// Create persists id unless an identity already exists, in which case
	// it returns ErrExists and leaves the stored identity untouched.
	Create(ctx context.Context, id ServerIdentity) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithRandom sets the entropy source used for key generation.
func WithRandom(r io.Reader) Option {
	return func(m *Manager) { m.rand = r }
}

// WithClock sets the time source for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager hands out the server identity, creating it on first use. It is
// safe for concurrent use.
type Manager struct {
	store  Store
	rand   io.Reader
	now    func() time.Time
	logger *slog.Logger

	mu     sync.Mutex
	cached *ServerIdentity
}

// NewManager creates a Manager backed by store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureIdentity returns the persisted identity, generating and persisting
// one if none exists. Concurrent callers observe the same identity.
func (m *Manager) EnsureIdentity(ctx context.Context) (ServerIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil {
		return *m.cached, nil
	}

	id, err := m.load(ctx)
	if err == nil {
		m.cached = &id
		return id, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return ServerIdentity{}, err
	}

	pub, priv, err := keyexchange.GenerateKeyPair(m.rand)
	if err != nil {
		return ServerIdentity{}, oops.Code(errutil.CodeStorage).
			With("operation", "generate identity").
			Wrap(err)
	}
	id = ServerIdentity{PublicKey: pub, PrivateKey: priv, CreatedAt: m.now().UTC()}

	if err := m.store.Create(ctx, id); err != nil {
		if !errors.Is(err, ErrExists) {
			return ServerIdentity{}, oops.Code(errutil.CodeStorage).
				With("operation", "persist identity").
				Wrap(err)
		}
		// Another process created it first.
		id, err = m.load(ctx)
		if err != nil {
			return ServerIdentity{}, err
		}
		m.cached = &id
		return id, nil
	}

	m.logger.Info("generated server identity", "public_key", id.PublicKey.Hex())
	m.cached = &id
	return id, nil
}

// PublicKey returns the hex-encoded server public key.
func (m *Manager) PublicKey(ctx context.Context) (string, error) {
	id, err := m.EnsureIdentity(ctx)
	if err != nil {
		return "", err
	}
	return id.PublicKey.Hex(), nil
}

func (m *Manager) load(ctx context.Context) (ServerIdentity, error) {
	id, err := m.store.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ServerIdentity{}, err
		}
		return ServerIdentity{}, oops.Code(errutil.CodeStorage).
			With("operation", "load identity").
			Wrap(err)
	}
	if err := id.Validate(); err != nil {
		return ServerIdentity{}, oops.Code(errutil.CodeStorage).
			With("operation", "validate identity").
			Wrap(err)
	}
	return id, nil
}
