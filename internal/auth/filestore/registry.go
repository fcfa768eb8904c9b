// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package filestore

import (
	"context"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/keyward/keyward/internal/auth"
	"github.com/keyward/keyward/internal/keyexchange"
	"github.com/keyward/keyward/internal/store"
)

// Registry file names.
const (
	RegistryDir  = "registry"
	IndexFile    = "index.json"
	UsersDir     = "users"
	UserFile     = "user.json"
	ExchangeFile = "exchange.json"
)

// Registry implements auth.Registry with one JSON file per user and a JSON
// index mapping usernames to emails.
type Registry struct {
	root   string
	issuer auth.TokenIssuer
	now    func() time.Time

	// writeIndex persists the index; tests replace it to inject failures.
	writeIndex func(path string, v any) error

	mu     sync.RWMutex
	index  map[string]string // username -> email as registered
	emails map[string]string // normalized email -> username
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock sets the time source used for record timestamps.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// OpenRegistry loads the index under dataDir, creating the directory layout
// if needed.
func OpenRegistry(dataDir string, issuer auth.TokenIssuer, opts ...RegistryOption) (*Registry, error) {
	if issuer == nil {
		return nil, oops.Errorf("token issuer is required")
	}
	r := &Registry{
		root:   filepath.Join(dataDir, RegistryDir),
		issuer: issuer,
		now:        time.Now,
		writeIndex: store.WriteJSONAtomic,
		index:      make(map[string]string),
		emails:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := store.EnsureDir(filepath.Join(r.root, UsersDir)); err != nil {
		return nil, auth.StorageError("create registry directory", err)
	}
	err := store.ReadJSON(r.indexPath(), &r.index)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, auth.StorageError("load index", err)
	}
	if r.index == nil {
		// "null" on disk
		r.index = make(map[string]string)
	}
	for username, email := range r.index {
		r.emails[auth.NormalizeEmail(email)] = username
	}
	return r, nil
}

// Register implements auth.Registry. The record is written before the index;
// if the index write fails the record is removed again. An index that was
// replaced but whose directory sync failed is already visible, so the
// registration stands.
func (r *Registry) Register(_ context.Context, username, email, passwordDigest string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	normalized := auth.NormalizeEmail(email)
	if _, ok := r.index[username]; ok {
		return "", auth.DuplicateIdentityError()
	}
	if _, ok := r.emails[normalized]; ok {
		return "", auth.DuplicateIdentityError()
	}

	token, err := r.issuer.IssueToken()
	if err != nil {
		return "", auth.StorageError("issue session token", err)
	}

	rec := auth.UserRecord{
		Username:       username,
		Email:          email,
		PasswordDigest: passwordDigest,
		CreatedAt:      r.now().UTC(),
		SessionToken:   token,
	}
	dir := r.userDir(username)
	if err := store.EnsureDir(dir); err != nil {
		return "", auth.StorageError("create user directory", err)
	}
	// An orphaned record from an interrupted registration is overwritten.
	if err := store.WriteJSONAtomic(filepath.Join(dir, UserFile), rec); err != nil {
		return "", auth.StorageError("write user record", err)
	}

	r.index[username] = email
	if err := r.writeIndex(r.indexPath(), r.index); err != nil && !errors.Is(err, store.ErrNotDurable) {
		delete(r.index, username)
		_ = os.RemoveAll(dir) //nolint:errcheck // index error takes precedence
		return "", auth.StorageError("write index", err)
	}
	r.emails[normalized] = username
	return token, nil
}

// LookupByEmailOrUsername implements auth.Registry.
func (r *Registry) LookupByEmailOrUsername(_ context.Context, identifier string) (*auth.UserRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	username, ok := r.resolve(identifier)
	if !ok {
		return nil, auth.NotFoundError("user", identifier)
	}
	rec, err := r.readRecord(username)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, auth.NotFoundError("user", username)
		}
		return nil, auth.StorageError("read user record", err)
	}
	return rec, nil
}

// VerifyAndRotateSession implements auth.Registry. An unreadable record is
// reported as NOT_FOUND. The password is verified without holding the write
// lock; the record is re-read before rotation and the login is refused if the
// digest changed in between.
func (r *Registry) VerifyAndRotateSession(_ context.Context, username string, verify auth.VerifyFunc) (string, error) {
	rec, err := r.readLocked(username)
	if err != nil {
		return "", err
	}

	ok, err := verify(rec.PasswordDigest)
	if err != nil {
		return "", auth.StorageError("verify password", err)
	}
	if !ok {
		return "", auth.InvalidCredentialsError()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.recordFor(username)
	if err != nil {
		return "", err
	}
	if current.PasswordDigest != rec.PasswordDigest {
		return "", auth.InvalidCredentialsError()
	}

	token, err := r.issuer.IssueToken()
	if err != nil {
		return "", auth.StorageError("issue session token", err)
	}
	current.SessionToken = token
	if err := store.WriteJSONAtomic(r.recordPath(username), current); err != nil {
		return "", auth.StorageError("write user record", err)
	}
	return token, nil
}

// readLocked reads the record for username under the read lock.
func (r *Registry) readLocked(username string) (*auth.UserRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recordFor(username)
}

// recordFor returns the indexed record for username. Callers hold mu.
func (r *Registry) recordFor(username string) (*auth.UserRecord, error) {
	if _, ok := r.index[username]; !ok {
		return nil, auth.NotFoundError("user", username)
	}
	rec, err := r.readRecord(username)
	if err != nil {
		return nil, oops.With("cause", err.Error()).Wrap(auth.NotFoundError("user", username))
	}
	return rec, nil
}

// BindExchange implements auth.Registry.
func (r *Registry) BindExchange(_ context.Context, username string, secret keyexchange.SharedSecret) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[username]; !ok {
		return auth.NotFoundError("user", username)
	}
	binding := auth.ExchangeBinding{
		Username: username,
		Secret:   secret.Hex(),
		BoundAt:  r.now().UTC(),
	}
	if err := store.WriteJSONAtomic(filepath.Join(r.userDir(username), ExchangeFile), binding); err != nil {
		return auth.StorageError("write exchange binding", err)
	}
	return nil
}

// Exchange implements auth.Registry.
func (r *Registry) Exchange(_ context.Context, username string) (*auth.ExchangeBinding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.index[username]; !ok {
		return nil, auth.NotFoundError("user", username)
	}
	var binding auth.ExchangeBinding
	if err := store.ReadJSON(filepath.Join(r.userDir(username), ExchangeFile), &binding); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, auth.NotFoundError("exchange", username)
		}
		return nil, auth.StorageError("read exchange binding", err)
	}
	return &binding, nil
}

// Count implements auth.Registry.
func (r *Registry) Count(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index), nil
}

// resolve maps an identifier to a registered username. Callers hold mu.
func (r *Registry) resolve(identifier string) (string, bool) {
	if auth.IsEmailIdentifier(identifier) {
		username, ok := r.emails[auth.NormalizeEmail(identifier)]
		return username, ok
	}
	_, ok := r.index[identifier]
	return identifier, ok
}

func (r *Registry) readRecord(username string) (*auth.UserRecord, error) {
	var rec auth.UserRecord
	if err := store.ReadJSON(r.recordPath(username), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *Registry) indexPath() string {
	return filepath.Join(r.root, IndexFile)
}

// userDir hex-encodes the username so case-distinct names never share a
// directory on case-insensitive file systems.
func (r *Registry) userDir(username string) string {
	return filepath.Join(r.root, UsersDir, hex.EncodeToString([]byte(username)))
}

func (r *Registry) recordPath(username string) string {
	return filepath.Join(r.userDir(username), UserFile)
}

var _ auth.Registry = (*Registry)(nil)
