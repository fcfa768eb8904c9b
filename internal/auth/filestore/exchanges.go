// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package filestore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/keyward/keyward/internal/auth"
	"github.com/keyward/keyward/internal/keyexchange"
	"github.com/keyward/keyward/internal/store"
)

// ExchangesDir holds one file per pending exchange, named by handle.
const ExchangesDir = "exchanges"

type pendingFile struct {
	Handle    string    `json:"handle"`
	Username  string    `json:"username,omitempty"`
	Secret    string    `json:"shared_key"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExchangeStore implements auth.ExchangeStore. A claim renames the file out
// of the way before reading it, so each handle is claimed at most once even
// across processes.
type ExchangeStore struct {
	dir string
}

// OpenExchangeStore creates the exchanges directory under dataDir.
func OpenExchangeStore(dataDir string) (*ExchangeStore, error) {
	dir := filepath.Join(dataDir, ExchangesDir)
	if err := store.EnsureDir(dir); err != nil {
		return nil, auth.StorageError("create exchanges directory", err)
	}
	return &ExchangeStore{dir: dir}, nil
}

// Put implements auth.ExchangeStore.
func (s *ExchangeStore) Put(_ context.Context, pending *auth.PendingExchange) error {
	f := pendingFile{
		Handle:    pending.Handle.String(),
		Username:  pending.Username,
		Secret:    pending.Secret.Hex(),
		CreatedAt: pending.CreatedAt,
		ExpiresAt: pending.ExpiresAt,
	}
	if err := store.CreateJSONExclusive(s.path(pending.Handle), f); err != nil {
		return auth.StorageError("store pending exchange", err)
	}
	return nil
}

// Claim implements auth.ExchangeStore.
func (s *ExchangeStore) Claim(_ context.Context, handle ulid.ULID) (*auth.PendingExchange, error) {
	claimed := filepath.Join(s.dir, "."+handle.String()+".claimed")
	if err := os.Rename(s.path(handle), claimed); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, auth.NotFoundError("exchange", handle.String())
		}
		return nil, auth.StorageError("claim exchange", err)
	}
	defer os.Remove(claimed) //nolint:errcheck // claimed file is single-use

	return readPending(claimed)
}

// DeleteExpired implements auth.ExchangeStore.
func (s *ExchangeStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, auth.StorageError("list exchanges", err)
	}
	var n int64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(s.dir, name)
		pending, err := readPending(path)
		if err != nil {
			if errors.Is(err, auth.ErrNotFound) {
				continue
			}
			return n, err
		}
		if !pending.IsExpiredAt(now) {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return n, auth.StorageError("delete exchange", err)
		}
		n++
	}
	return n, nil
}

func (s *ExchangeStore) path(handle ulid.ULID) string {
	return filepath.Join(s.dir, handle.String()+".json")
}

func readPending(path string) (*auth.PendingExchange, error) {
	var f pendingFile
	if err := store.ReadJSON(path, &f); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, auth.NotFoundError("exchange", filepath.Base(path))
		}
		return nil, auth.StorageError("read exchange", err)
	}
	handle, err := ulid.ParseStrict(f.Handle)
	if err != nil {
		return nil, auth.StorageError("decode exchange handle", err)
	}
	secret, err := keyexchange.ParseSharedSecret(f.Secret)
	if err != nil {
		return nil, auth.StorageError("decode exchange secret", oops.Errorf("corrupt shared key: %v", err))
	}
	return &auth.PendingExchange{
		Handle:    handle,
		Username:  f.Username,
		Secret:    secret,
		CreatedAt: f.CreatedAt,
		ExpiresAt: f.ExpiresAt,
	}, nil
}

var _ auth.ExchangeStore = (*ExchangeStore)(nil)
