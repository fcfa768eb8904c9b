// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package identity

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/samber/oops"

	"github.com/keyward/keyward/internal/keyexchange"
	"github.com/keyward/keyward/internal/store"
	"github.com/keyward/keyward/pkg/errutil"
)

// FileName is the identity file inside the data directory.
const FileName = "identity.json"

type identityFile struct {
	PublicKey  string    `json:"pub_key"`
	PrivateKey string    `json:"priv_key"`
	CreatedAt  time.Time `json:"created_at"`
}

// FileStore keeps the identity as hex-encoded JSON in the data directory.
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore rooted at dataDir.
func NewFileStore(dataDir string) *FileStore {
	return &FileStore{path: filepath.Join(dataDir, FileName)}
}

// Path returns the identity file path.
func (s *FileStore) Path() string { return s.path }

// Load implements Store.
func (s *FileStore) Load(_ context.Context) (ServerIdentity, error) {
	var f identityFile
	if err := store.ReadJSON(s.path, &f); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ServerIdentity{}, oops.With("path", s.path).Wrap(ErrNotFound)
		}
		return ServerIdentity{}, oops.Code(errutil.CodeStorage).With("path", s.path).Wrap(err)
	}

	pub, err := keyexchange.ParsePublicKey(f.PublicKey)
	if err != nil {
		return ServerIdentity{}, oops.Code(errutil.CodeStorage).With("path", s.path).Errorf("corrupt public key: %v", err)
	}
	priv, err := keyexchange.ParsePrivateKey(f.PrivateKey)
	if err != nil {
		return ServerIdentity{}, oops.Code(errutil.CodeStorage).With("path", s.path).Errorf("corrupt private key: %v", err)
	}
	return ServerIdentity{PublicKey: pub, PrivateKey: priv, CreatedAt: f.CreatedAt}, nil
}

// Create implements Store.
func (s *FileStore) Create(_ context.Context, id ServerIdentity) error {
	if err := store.EnsureDir(filepath.Dir(s.path)); err != nil {
		return oops.Code(errutil.CodeStorage).Wrap(err)
	}
	err := store.CreateJSONExclusive(s.path, identityFile{
		PublicKey:  id.PublicKey.Hex(),
		PrivateKey: id.PrivateKey.Hex(),
		CreatedAt:  id.CreatedAt,
	})
	if errors.Is(err, store.ErrExists) {
		return oops.With("path", s.path).Wrap(ErrExists)
	}
	if err != nil {
		return oops.Code(errutil.CodeStorage).Wrap(err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
