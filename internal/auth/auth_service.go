// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keyward/keyward/internal/identity"
	"github.com/keyward/keyward/internal/keyexchange"
	"github.com/keyward/keyward/pkg/errutil"
)

var tracer = otel.Tracer("github.com/keyward/keyward/internal/auth")

// DefaultSessionTTL is the lifetime of a session when none is configured.
const DefaultSessionTTL = 24 * time.Hour

// IdentityProvider hands out the server identity.
type IdentityProvider interface {
	EnsureIdentity(ctx context.Context) (identity.ServerIdentity, error)
}

// KeyExchangeRequest starts a key exchange.
type KeyExchangeRequest struct {
	Username  string `json:"username,omitempty" jsonschema:"maxLength=30"`
	PublicKey string `json:"pub_key" jsonschema:"required"`
}

// KeyExchangeResult is returned to the client after a key exchange. The
// shared secret is never part of it.
type KeyExchangeResult struct {
	ServerPublicKey string `json:"server_pub_key"`
	Handle          string `json:"handle,omitempty"`
}

// RegisterRequest creates a user.
type RegisterRequest struct {
	Username       string `json:"username" jsonschema:"required,minLength=3,maxLength=30"`
	Password       string `json:"password" jsonschema:"required,minLength=1,maxLength=1024"`
	Email          string `json:"email" jsonschema:"required,maxLength=254"`
	ExchangeHandle string `json:"exchange_handle,omitempty" jsonschema:"minLength=26,maxLength=26"`
}

// LoginRequest authenticates a user by username or email. Username is the
// legacy field name and is used when UsernameOrEmail is empty.
type LoginRequest struct {
	UsernameOrEmail string `json:"username_or_email,omitempty"`
	Username        string `json:"username,omitempty"`
	Password        string `json:"password" jsonschema:"required"`
}

// Identifier returns the identifier the request logs in with.
func (r LoginRequest) Identifier() string {
	if id := strings.TrimSpace(r.UsernameOrEmail); id != "" {
		return id
	}
	return strings.TrimSpace(r.Username)
}

// SessionGrant is the result of a successful register or login.
type SessionGrant struct {
	Token         string     `json:"session_token"`
	Username      string     `json:"username"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	ExchangeBound bool       `json:"exchange_bound,omitempty"`
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithSessionTTL sets the session lifetime. Zero disables expiry.
func WithSessionTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) { s.sessionTTL = ttl }
}

// WithExchangeTTL sets how long a pending exchange can be claimed.
func WithExchangeTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) { s.exchangeTTL = ttl }
}

// WithUsernamePolicy sets the policy applied at registration.
func WithUsernamePolicy(p *UsernamePolicy) ServiceOption {
	return func(s *Service) { s.policy = p }
}

// WithThrottle sets the login throttle. Nil disables throttling.
func WithThrottle(t *LoginThrottle) ServiceOption {
	return func(s *Service) { s.throttle = t }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// Service is the authentication facade: identity fetch, key exchange,
// registration, login and session validation.
type Service struct {
	registry  Registry
	sessions  SessionStore
	exchanges ExchangeStore
	identity  IdentityProvider
	hasher    PasswordHasher

	policy      *UsernamePolicy
	throttle    *LoginThrottle
	sessionTTL  time.Duration
	exchangeTTL time.Duration
	now         func() time.Time
	logger      *slog.Logger

	// dummyDigest is verified against when a login names an unknown user.
	// It comes from the configured hasher so both paths cost the same.
	dummyDigest string
}

// NewService creates a Service. All collaborators are required.
func NewService(
	registry Registry,
	sessions SessionStore,
	exchanges ExchangeStore,
	ids IdentityProvider,
	hasher PasswordHasher,
	opts ...ServiceOption,
) (*Service, error) {
	switch {
	case registry == nil:
		return nil, oops.Errorf("registry is required")
	case sessions == nil:
		return nil, oops.Errorf("session store is required")
	case exchanges == nil:
		return nil, oops.Errorf("exchange store is required")
	case ids == nil:
		return nil, oops.Errorf("identity provider is required")
	case hasher == nil:
		return nil, oops.Errorf("password hasher is required")
	}

	s := &Service{
		registry:    registry,
		sessions:    sessions,
		exchanges:   exchanges,
		identity:    ids,
		hasher:      hasher,
		throttle:    NewLoginThrottle(LockoutThreshold, LockoutDuration),
		sessionTTL:  DefaultSessionTTL,
		exchangeTTL: DefaultExchangeTTL,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		return nil, oops.Errorf("logger is required")
	}
	if s.exchangeTTL <= 0 {
		return nil, oops.With("exchange_ttl", s.exchangeTTL).Errorf("exchange ttl must be positive")
	}

	digest, err := hasher.Hash(rand.Text())
	if err != nil {
		return nil, oops.With("operation", "hash dummy password").Wrap(err)
	}
	s.dummyDigest = digest
	return s, nil
}

// ServerPublicKey returns the hex-encoded server public key, creating the
// identity on first use.
func (s *Service) ServerPublicKey(ctx context.Context) (_ string, err error) {
	ctx, span := tracer.Start(ctx, "auth.ServerPublicKey")
	defer func() { endSpan(span, err) }()

	id, err := s.identity.EnsureIdentity(ctx)
	if err != nil {
		return "", classify("ensure identity", err)
	}
	return id.PublicKey.Hex(), nil
}

// ExchangeKey derives a shared secret from the client's public key. For a
// registered username the secret is bound to the user immediately;
// otherwise it is parked under a handle the client passes to Register.
func (s *Service) ExchangeKey(ctx context.Context, req KeyExchangeRequest) (_ *KeyExchangeResult, err error) {
	ctx, span := tracer.Start(ctx, "auth.ExchangeKey",
		trace.WithAttributes(attribute.Bool("auth.username_given", req.Username != "")))
	defer func() { endSpan(span, err) }()

	if req.Username != "" {
		if err := ValidateUsername(req.Username); err != nil {
			return nil, err
		}
	}
	clientKey, err := keyexchange.ParsePublicKey(req.PublicKey)
	if err != nil {
		return nil, err
	}
	id, err := s.identity.EnsureIdentity(ctx)
	if err != nil {
		return nil, classify("ensure identity", err)
	}
	secret, err := keyexchange.Derive(id.PrivateKey, clientKey)
	if err != nil {
		return nil, err
	}

	result := &KeyExchangeResult{ServerPublicKey: id.PublicKey.Hex()}

	if req.Username != "" {
		err = s.registry.BindExchange(ctx, req.Username, secret)
		if err == nil {
			s.logger.Info("key exchange bound", "username", req.Username)
			return result, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, classify("bind exchange", err)
		}
	}

	now := s.now().UTC()
	pending := &PendingExchange{
		Handle:    ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()),
		Username:  req.Username,
		Secret:    secret,
		CreatedAt: now,
		ExpiresAt: now.Add(s.exchangeTTL),
	}
	if err := s.exchanges.Put(ctx, pending); err != nil {
		return nil, classify("store pending exchange", err)
	}
	result.Handle = pending.Handle.String()
	s.logger.Info("key exchange pending",
		"handle", result.Handle,
		"username", req.Username,
		"expires_at", pending.ExpiresAt)
	return result, nil
}

// Register validates the request, creates the user and records its first
// session. A valid exchange handle is claimed and bound to the new user.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (_ *SessionGrant, err error) {
	ctx, span := tracer.Start(ctx, "auth.Register")
	defer func() { endSpan(span, err) }()

	var handle *ulid.ULID
	if req.ExchangeHandle != "" {
		h, parseErr := ulid.ParseStrict(req.ExchangeHandle)
		if parseErr != nil {
			return nil, oops.Code(errutil.CodeInvalidRequest).
				Public("exchange handle is not valid").
				Errorf("parse exchange handle: %v", parseErr)
		}
		handle = &h
	}

	if err := s.policy.Validate(req.Username); err != nil {
		return nil, err
	}
	if err := ValidateEmail(req.Email); err != nil {
		return nil, err
	}
	if err := ValidatePassword(req.Password); err != nil {
		return nil, err
	}

	digest, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, classify("hash password", err)
	}
	token, err := s.registry.Register(ctx, req.Username, req.Email, digest)
	if err != nil {
		return nil, classify("register user", err)
	}

	grant, err := s.recordSession(ctx, req.Username, token)
	if err != nil {
		return nil, err
	}
	if handle != nil {
		grant.ExchangeBound = s.claimExchange(ctx, *handle, req.Username)
	}

	s.logger.Info("user registered",
		"username", req.Username,
		"exchange_bound", grant.ExchangeBound)
	return grant, nil
}

// Login verifies credentials and rotates the user's session. Unknown
// identifiers and wrong passwords fail identically with INVALID_CREDENTIALS.
func (s *Service) Login(ctx context.Context, req LoginRequest) (_ *SessionGrant, err error) {
	ctx, span := tracer.Start(ctx, "auth.Login")
	defer func() { endSpan(span, err) }()

	identifier := req.Identifier()
	if identifier == "" || req.Password == "" {
		return nil, InvalidCredentialsError()
	}

	now := s.now()
	if wait := s.throttle.LockedFor(identifier, now); wait > 0 {
		span.SetAttributes(attribute.Bool("auth.rate_limited", true))
		return nil, oops.Code(errutil.CodeRateLimited).
			Public("too many failed login attempts").
			With("retry_after", wait.Round(time.Second).String()).
			Errorf("login temporarily locked")
	}

	rec, err := s.registry.LookupByEmailOrUsername(ctx, identifier)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, classify("lookup user", err)
		}
		// Spend the same argon2id work as a real verification.
		_, _ = s.hasher.Verify(req.Password, s.dummyDigest) //nolint:errcheck // result is irrelevant
		s.throttle.RecordFailure(identifier, now)
		return nil, InvalidCredentialsError()
	}

	token, err := s.registry.VerifyAndRotateSession(ctx, rec.Username, func(digest string) (bool, error) {
		return s.hasher.Verify(req.Password, digest)
	})
	if err != nil {
		switch errutil.Code(err) {
		case errutil.CodeInvalidCredentials, errutil.CodeNotFound:
			s.throttle.RecordFailure(identifier, now)
			return nil, InvalidCredentialsError()
		}
		return nil, classify("verify and rotate session", err)
	}
	s.throttle.Reset(identifier)

	// The record token is already rotated, so superseded sessions fail
	// validation even if revocation does not persist.
	if err := s.sessions.RevokeByUser(ctx, rec.Username, now.UTC()); err != nil {
		s.logger.Warn("best-effort session revocation failed",
			"operation", "revoke_prior_sessions",
			"username", rec.Username,
			"error", err)
	}

	grant, err := s.recordSession(ctx, rec.Username, token)
	if err != nil {
		return nil, err
	}
	s.logger.Info("user logged in", "username", rec.Username)
	return grant, nil
}

// ValidateSession returns the ledger entry for token if it is known, not
// revoked, not expired and still the user's current token.
func (s *Service) ValidateSession(ctx context.Context, token string) (_ *Session, err error) {
	ctx, span := tracer.Start(ctx, "auth.ValidateSession")
	defer func() { endSpan(span, err) }()

	if token == "" {
		return nil, invalidSessionError("empty token")
	}

	session, err := s.sessions.GetByTokenHash(ctx, HashSessionToken(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, invalidSessionError("unknown token")
		}
		return nil, classify("get session", err)
	}
	if session.IsRevoked() {
		return nil, invalidSessionError("revoked")
	}
	if session.IsExpiredAt(s.now()) {
		return nil, invalidSessionError("expired")
	}

	rec, err := s.registry.LookupByEmailOrUsername(ctx, session.Username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, invalidSessionError("user missing")
		}
		return nil, classify("lookup user", err)
	}
	if !TokensEqual(rec.SessionToken, token) {
		return nil, invalidSessionError("superseded")
	}
	return session, nil
}

// Logout revokes the session identified by token.
func (s *Service) Logout(ctx context.Context, token string) (err error) {
	ctx, span := tracer.Start(ctx, "auth.Logout")
	defer func() { endSpan(span, err) }()

	if token == "" {
		return invalidSessionError("empty token")
	}
	if err := s.sessions.Revoke(ctx, HashSessionToken(token), s.now().UTC()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return invalidSessionError("unknown token")
		}
		return classify("revoke session", err)
	}
	return nil
}

// PurgeExpired removes expired sessions and pending exchanges and prunes
// idle throttle entries.
func (s *Service) PurgeExpired(ctx context.Context) (sessions, exchanges int64, err error) {
	now := s.now().UTC()
	sessions, err = s.sessions.DeleteExpired(ctx, now)
	if err != nil {
		return 0, 0, classify("purge sessions", err)
	}
	exchanges, err = s.exchanges.DeleteExpired(ctx, now)
	if err != nil {
		return sessions, 0, classify("purge exchanges", err)
	}
	s.throttle.Prune(now)
	return sessions, exchanges, nil
}

func (s *Service) recordSession(ctx context.Context, username, token string) (*SessionGrant, error) {
	session, err := NewSession(username, HashSessionToken(token), s.now(), s.sessionTTL)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, classify("create session", err)
	}
	grant := &SessionGrant{Token: token, Username: username}
	if !session.ExpiresAt.IsZero() {
		expires := session.ExpiresAt
		grant.ExpiresAt = &expires
	}
	return grant, nil
}

// claimExchange binds a pending exchange to a freshly registered user.
// Failures are logged and reported as false; the registration stands.
func (s *Service) claimExchange(ctx context.Context, handle ulid.ULID, username string) bool {
	pending, err := s.exchanges.Claim(ctx, handle)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger.Warn("exchange handle not found", "handle", handle.String(), "username", username)
		} else {
			errutil.LogError(s.logger, "claim exchange failed", err)
		}
		return false
	}
	if pending.IsExpiredAt(s.now()) {
		s.logger.Warn("exchange handle expired", "handle", handle.String(), "username", username)
		return false
	}
	if !pending.ClaimableBy(username) {
		s.logger.Warn("exchange handle claimed for another username",
			"handle", handle.String(),
			"username", username)
		// The reservation still belongs to its owner.
		if err := s.exchanges.Put(ctx, pending); err != nil {
			errutil.LogError(s.logger, "restore pending exchange failed", err)
		}
		return false
	}
	if err := s.registry.BindExchange(ctx, username, pending.Secret); err != nil {
		errutil.LogError(s.logger, "bind claimed exchange failed", err)
		return false
	}
	return true
}

// classify passes coded errors through with added context and marks
// uncoded ones as storage failures.
func classify(operation string, err error) error {
	if errutil.Code(err) == "" {
		return StorageError(operation, err)
	}
	return oops.With("operation", operation).Wrap(err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errutil.Code(err))
	}
	span.End()
}
