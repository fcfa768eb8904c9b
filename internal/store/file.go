// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package store

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

// ErrExists is returned by CreateFileExclusive when the target already exists.
var ErrExists = errors.New("already exists")

// ErrNotDurable marks a write whose new content is already visible at its
// final path but whose directory entry could not be synced. Callers must not
// treat the write as rolled back.
var ErrNotDurable = errors.New("written but directory sync failed")

// syncDirFn is replaced in tests to simulate a failed directory sync.
var syncDirFn = syncDir

// File permissions for everything the file backend writes.
const (
	DirPerm  os.FileMode = 0o700
	FilePerm os.FileMode = 0o600
)

// WriteFileAtomic replaces path with data. Readers observe either the old or
// the new content, never a partial write.
func WriteFileAtomic(path string, data []byte) error {
	tmp, err := writeTemp(path, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp) //nolint:errcheck // rename error takes precedence
		return oops.With("operation", "rename temp file").With("path", path).Wrap(err)
	}
	return syncParent(path)
}

// CreateFileExclusive writes data to path only if path does not exist yet.
// The content is fully written before the name becomes visible.
func CreateFileExclusive(path string, data []byte) error {
	tmp, err := writeTemp(path, data)
	if err != nil {
		return err
	}
	defer os.Remove(tmp) //nolint:errcheck // temp name is unlinked either way

	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return oops.With("path", path).Wrap(ErrExists)
		}
		return oops.With("operation", "link temp file").With("path", path).Wrap(err)
	}
	return syncParent(path)
}

// syncParent runs after path has been committed, so any failure is reported
// as ErrNotDurable.
func syncParent(path string) error {
	if err := syncDirFn(filepath.Dir(path)); err != nil {
		return oops.With("path", path).Wrap(errors.Join(ErrNotDurable, err))
	}
	return nil
}

// WriteJSONAtomic encodes v as indented JSON and writes it with WriteFileAtomic.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return oops.With("operation", "encode json").With("path", path).Wrap(err)
	}
	return WriteFileAtomic(path, append(data, '\n'))
}

// CreateJSONExclusive encodes v and writes it with CreateFileExclusive.
func CreateJSONExclusive(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return oops.With("operation", "encode json").With("path", path).Wrap(err)
	}
	return CreateFileExclusive(path, append(data, '\n'))
}

// ReadJSON decodes the JSON file at path into v. A missing file yields an
// error matching fs.ErrNotExist.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path) //nolint:gosec // paths are built from the configured data directory
	if err != nil {
		return oops.With("operation", "read file").With("path", path).Wrap(err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return oops.With("operation", "decode json").With("path", path).Wrap(err)
	}
	return nil
}

// EnsureDir creates dir and its parents with DirPerm.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, DirPerm); err != nil {
		return oops.With("operation", "create directory").With("path", dir).Wrap(err)
	}
	return nil
}

func writeTemp(path string, data []byte) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", oops.With("operation", "create temp file").With("path", path).Wrap(err)
	}
	name := f.Name()

	fail := func(op string, err error) (string, error) {
		_ = f.Close()       //nolint:errcheck // already failing
		_ = os.Remove(name) //nolint:errcheck // already failing
		return "", oops.With("operation", op).With("path", path).Wrap(err)
	}

	if err := f.Chmod(FilePerm); err != nil {
		return fail("chmod temp file", err)
	}
	if _, err := f.Write(data); err != nil {
		return fail("write temp file", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync temp file", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name) //nolint:errcheck // already failing
		return "", oops.With("operation", "close temp file").With("path", path).Wrap(err)
	}
	return name, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir) //nolint:gosec // dir is derived from the configured data directory
	if err != nil {
		return oops.With("operation", "open directory").With("path", dir).Wrap(err)
	}
	defer d.Close() //nolint:errcheck // read-only handle
	// Some file systems do not support fsync on directories.
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return oops.With("operation", "sync directory").With("path", dir).Wrap(err)
	}
	return nil
}
