// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package filestore

// SetIndexWriter replaces the function the registry persists its index with.
func SetIndexWriter(r *Registry, write func(path string, v any) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeIndex = write
}
