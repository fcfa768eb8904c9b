// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package filestore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/keyward/keyward/internal/auth"
	"github.com/keyward/keyward/internal/store"
)

// SessionsDir holds one file per session, named by token hash.
const SessionsDir = "sessions"

var tokenHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// SessionStore implements auth.SessionStore with one JSON file per session.
type SessionStore struct {
	dir string
	mu  sync.Mutex
}

// OpenSessionStore creates the sessions directory under dataDir.
func OpenSessionStore(dataDir string) (*SessionStore, error) {
	dir := filepath.Join(dataDir, SessionsDir)
	if err := store.EnsureDir(dir); err != nil {
		return nil, auth.StorageError("create sessions directory", err)
	}
	return &SessionStore{dir: dir}, nil
}

// Create implements auth.SessionStore.
func (s *SessionStore) Create(_ context.Context, session *auth.Session) error {
	if !tokenHashPattern.MatchString(session.TokenHash) {
		return auth.StorageError("create session", oops.Errorf("malformed token hash"))
	}
	err := store.CreateJSONExclusive(s.path(session.TokenHash), session)
	if errors.Is(err, store.ErrExists) {
		return auth.StorageError("create session", oops.Errorf("session already exists"))
	}
	if err != nil {
		return auth.StorageError("create session", err)
	}
	return nil
}

// GetByTokenHash implements auth.SessionStore.
func (s *SessionStore) GetByTokenHash(_ context.Context, tokenHash string) (*auth.Session, error) {
	if !tokenHashPattern.MatchString(tokenHash) {
		return nil, auth.NotFoundError("session", tokenHash)
	}
	return s.read(s.path(tokenHash))
}

// Revoke implements auth.SessionStore. Revoking twice keeps the first
// revocation time.
func (s *SessionStore) Revoke(_ context.Context, tokenHash string, at time.Time) error {
	if !tokenHashPattern.MatchString(tokenHash) {
		return auth.NotFoundError("session", tokenHash)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(tokenHash)
	session, err := s.read(path)
	if err != nil {
		return err
	}
	if session.IsRevoked() {
		return nil
	}
	session.RevokedAt = &at
	if err := store.WriteJSONAtomic(path, session); err != nil {
		return auth.StorageError("revoke session", err)
	}
	return nil
}

// RevokeByUser implements auth.SessionStore.
func (s *SessionStore) RevokeByUser(_ context.Context, username string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.scan(func(path string, session *auth.Session) error {
		if session.Username != username || session.IsRevoked() {
			return nil
		}
		session.RevokedAt = &at
		if err := store.WriteJSONAtomic(path, session); err != nil {
			return auth.StorageError("revoke session", err)
		}
		return nil
	})
}

// DeleteExpired implements auth.SessionStore.
func (s *SessionStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	err := s.scan(func(path string, session *auth.Session) error {
		if !session.IsExpiredAt(now) {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return auth.StorageError("delete session", err)
		}
		n++
		return nil
	})
	return n, err
}

// scan calls fn for every session file. Callers hold mu.
func (s *SessionStore) scan(fn func(path string, session *auth.Session) error) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return auth.StorageError("list sessions", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(s.dir, name)
		session, err := s.read(path)
		if err != nil {
			if errors.Is(err, auth.ErrNotFound) {
				continue
			}
			return err
		}
		if err := fn(path, session); err != nil {
			return err
		}
	}
	return nil
}

func (s *SessionStore) read(path string) (*auth.Session, error) {
	var session auth.Session
	if err := store.ReadJSON(path, &session); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, auth.NotFoundError("session", filepath.Base(path))
		}
		return nil, auth.StorageError("read session", err)
	}
	return &session, nil
}

func (s *SessionStore) path(tokenHash string) string {
	return filepath.Join(s.dir, tokenHash+".json")
}

var _ auth.SessionStore = (*SessionStore)(nil)
