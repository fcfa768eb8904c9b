// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

// Package redisstore keeps the session ledger in Redis. Each session is a
// JSON value whose key expires with the session, so expired sessions
// disappear without a sweep.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/keyward/keyward/internal/auth"
	"github.com/keyward/keyward/internal/store"
)

// DefaultKeyPrefix namespaces every key the store writes.
const DefaultKeyPrefix = "keyward:"

// minTTL keeps a session that is already past its expiry readable long
// enough to be reported as expired rather than unknown.
const minTTL = time.Second

// Options configures Open.
type Options struct {
	Addr           string
	Password       string
	DB             int
	KeyPrefix      string
	ConnectTimeout time.Duration
}

// SessionStore implements auth.SessionStore on Redis.
type SessionStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// Option configures a SessionStore.
type Option func(*SessionStore)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *SessionStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithClock sets the time source used to compute key lifetimes.
func WithClock(now func() time.Time) Option {
	return func(s *SessionStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSessionStore wraps an existing client.
func NewSessionStore(client redis.UniversalClient, opts ...Option) *SessionStore {
	s := &SessionStore{client: client, prefix: DefaultKeyPrefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open dials Redis and waits until it answers a ping.
func Open(ctx context.Context, opts Options) (*SessionStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := store.WaitForPing(ctx, pinger{client}, opts.ConnectTimeout); err != nil {
		_ = client.Close()
		return nil, oops.With("addr", opts.Addr).Wrap(err)
	}
	return NewSessionStore(client, WithKeyPrefix(opts.KeyPrefix)), nil
}

// Close releases the underlying client.
func (s *SessionStore) Close() error {
	return s.client.Close()
}

// Create implements auth.SessionStore.
func (s *SessionStore) Create(ctx context.Context, session *auth.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return auth.StorageError("encode session", err)
	}

	args := redis.SetArgs{Mode: "NX"}
	if !session.ExpiresAt.IsZero() {
		args.TTL = max(session.ExpiresAt.Sub(s.now()), minTTL)
	}

	var set *redis.StatusCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		set = pipe.SetArgs(ctx, s.sessionKey(session.TokenHash), data, args)
		pipe.SAdd(ctx, s.userKey(session.Username), session.TokenHash)
		return nil
	})
	if set != nil && errors.Is(set.Err(), redis.Nil) {
		return auth.StorageError("create session", oops.Errorf("session already exists"))
	}
	if err != nil {
		return auth.StorageError("create session", err)
	}
	return nil
}

// GetByTokenHash implements auth.SessionStore.
func (s *SessionStore) GetByTokenHash(ctx context.Context, tokenHash string) (*auth.Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(tokenHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, auth.NotFoundError("session", tokenHash)
	}
	if err != nil {
		return nil, auth.StorageError("read session", err)
	}
	var session auth.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, auth.StorageError("decode session", err)
	}
	return &session, nil
}

// Revoke implements auth.SessionStore. The key keeps its remaining TTL.
func (s *SessionStore) Revoke(ctx context.Context, tokenHash string, at time.Time) error {
	session, err := s.GetByTokenHash(ctx, tokenHash)
	if err != nil {
		return err
	}
	return s.revoke(ctx, session, at)
}

// RevokeByUser implements auth.SessionStore. Members whose session key has
// already expired are dropped from the user's set.
func (s *SessionStore) RevokeByUser(ctx context.Context, username string, at time.Time) error {
	userKey := s.userKey(username)
	hashes, err := s.client.SMembers(ctx, userKey).Result()
	if err != nil {
		return auth.StorageError("list user sessions", err)
	}

	var stale []any
	for _, hash := range hashes {
		session, err := s.GetByTokenHash(ctx, hash)
		if errors.Is(err, auth.ErrNotFound) {
			stale = append(stale, hash)
			continue
		}
		if err != nil {
			return err
		}
		if err := s.revoke(ctx, session, at); err != nil {
			return err
		}
	}

	if len(stale) > 0 {
		if err := s.client.SRem(ctx, userKey, stale...).Err(); err != nil {
			return auth.StorageError("prune user sessions", err)
		}
	}
	return nil
}

// DeleteExpired implements auth.SessionStore. Redis expires session keys
// itself, so there is never anything left to delete.
func (s *SessionStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *SessionStore) revoke(ctx context.Context, session *auth.Session, at time.Time) error {
	if session.IsRevoked() {
		return nil
	}
	session.RevokedAt = &at
	data, err := json.Marshal(session)
	if err != nil {
		return auth.StorageError("encode session", err)
	}

	err = s.client.SetArgs(ctx, s.sessionKey(session.TokenHash), data,
		redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, redis.Nil) {
		// Expired between read and write.
		return nil
	}
	if err != nil {
		return auth.StorageError("revoke session", err)
	}
	return nil
}

func (s *SessionStore) sessionKey(tokenHash string) string {
	return s.prefix + "session:" + tokenHash
}

func (s *SessionStore) userKey(username string) string {
	return s.prefix + "user_sessions:" + username
}

type pinger struct {
	client redis.UniversalClient
}

func (p pinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

var _ auth.SessionStore = (*SessionStore)(nil)
