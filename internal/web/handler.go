// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

// Package web is the HTTP transport over the auth service. It decodes and
// schema-validates requests, calls the service and maps error codes to
// status codes. It holds no auth logic of its own.
package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/keyward/keyward/internal/auth"
	"github.com/keyward/keyward/internal/observability"
	"github.com/keyward/keyward/pkg/errutil"
)

// DefaultMaxBodyBytes bounds request bodies.
const DefaultMaxBodyBytes int64 = 64 << 10

// Authenticator is the part of auth.Service the transport calls.
type Authenticator interface {
	ServerPublicKey(ctx context.Context) (string, error)
	ExchangeKey(ctx context.Context, req auth.KeyExchangeRequest) (*auth.KeyExchangeResult, error)
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.SessionGrant, error)
	Login(ctx context.Context, req auth.LoginRequest) (*auth.SessionGrant, error)
	ValidateSession(ctx context.Context, token string) (*auth.Session, error)
	Logout(ctx context.Context, token string) error
}

// Option configures a Handler.
type Option func(*Handler)

// WithMetrics records request and auth counters on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// Handler serves the auth API.
type Handler struct {
	svc       Authenticator
	validator *validator
	metrics   *observability.Metrics
	logger    *slog.Logger
	maxBody   int64
	mux       *http.ServeMux
}

// NewHandler builds the route table and compiles the request schemas.
func NewHandler(svc Authenticator, opts ...Option) (*Handler, error) {
	if svc == nil {
		return nil, oops.Errorf("auth service is required")
	}
	v, err := newValidator()
	if err != nil {
		return nil, err
	}

	h := &Handler{
		svc:       svc,
		validator: v,
		logger:    slog.Default(),
		maxBody:   DefaultMaxBodyBytes,
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.route("GET /server_key", h.serverKey)
	h.route("POST /key_exchange", h.keyExchange)
	h.route("POST /register", h.register)
	h.route("POST /login", h.login)
	h.route("POST /logout", h.logout)
	h.route("GET /session", h.session)
	h.route("GET /health", h.health)
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// handlerFunc writes the success response itself and returns the error to
// map otherwise.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

func (h *Handler) route(pattern string, fn handlerFunc) {
	_, path, _ := strings.Cut(pattern, " ")
	h.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		if err := fn(rec, r); err != nil {
			h.writeError(rec, r, err)
		}
		if h.metrics != nil {
			h.metrics.HTTPRequests.WithLabelValues(path, strconv.Itoa(rec.status)).Inc()
			h.metrics.HTTPDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
		}
	})
}

func (h *Handler) serverKey(w http.ResponseWriter, r *http.Request) error {
	key, err := h.svc.ServerPublicKey(r.Context())
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, key)
}

func (h *Handler) keyExchange(w http.ResponseWriter, r *http.Request) error {
	var req auth.KeyExchangeRequest
	if err := h.decode(r, SchemaKeyExchange, &req); err != nil {
		return err
	}
	res, err := h.svc.ExchangeKey(r.Context(), req)
	h.metrics.RecordAuth("key_exchange", err)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, res)
}

type grantResponse struct {
	SessionToken string     `json:"session_token"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) error {
	var req auth.RegisterRequest
	if err := h.decode(r, SchemaRegister, &req); err != nil {
		return err
	}
	grant, err := h.svc.Register(r.Context(), req)
	h.metrics.RecordAuth("register", err)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, grantResponse{SessionToken: grant.Token, ExpiresAt: grant.ExpiresAt})
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) error {
	var req auth.LoginRequest
	if err := h.decode(r, SchemaLogin, &req); err != nil {
		return err
	}
	grant, err := h.svc.Login(r.Context(), req)
	h.metrics.RecordAuth("login", err)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, grantResponse{SessionToken: grant.Token, ExpiresAt: grant.ExpiresAt})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) error {
	err := h.svc.Logout(r.Context(), bearerToken(r))
	h.metrics.RecordAuth("logout", err)
	if err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type sessionResponse struct {
	Username  string     `json:"username"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) error {
	s, err := h.svc.ValidateSession(r.Context(), bearerToken(r))
	h.metrics.RecordAuth("validate_session", err)
	if err != nil {
		return err
	}
	resp := sessionResponse{Username: s.Username, IssuedAt: s.IssuedAt}
	if !s.ExpiresAt.IsZero() {
		exp := s.ExpiresAt
		resp.ExpiresAt = &exp
	}
	return writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) error {
	return writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads, validates and unmarshals the request body into dst.
func (h *Handler) decode(r *http.Request, schema string, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, h.maxBody))
	if err != nil {
		return oops.Code(errutil.CodeInvalidRequest).
			Public("request body is too large or unreadable").
			Errorf("read request body: %v", err)
	}
	if err := h.validator.validate(schema, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return oops.Code(errutil.CodeInvalidRequest).
			Public("request body is not valid JSON").
			Errorf("unmarshal request body: %v", err)
	}
	return nil
}

// bearerToken returns the token from an "Authorization: Bearer" header, or
// "" when there is none.
func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already sent; nothing useful can reach the client.
		slog.Debug("write response failed", "error", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
