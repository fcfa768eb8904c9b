// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package store

// SetSyncDirFailure makes every directory sync fail with err until the
// returned function is called.
func SetSyncDirFailure(err error) (restore func()) {
	prev := syncDirFn
	syncDirFn = func(string) error { return err }
	return func() { syncDirFn = prev }
}
