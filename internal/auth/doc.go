// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

// Package auth implements credential registration, login and session
// issuance on top of the server identity key exchange.
//
// # Domain Types
//
//   - UserRecord - a registered user with an argon2id password digest
//   - Session - a ledger entry for an issued session token
//   - PendingExchange - a shared secret waiting for its username to register
//
// # Persistence
//
// Registry, SessionStore and ExchangeStore are implemented by the filestore
// and postgres subpackages; redisstore provides an alternative SessionStore.
// Implementations report failures with the codes in pkg/errutil:
// STORAGE_ERROR for I/O failures, NOT_FOUND for absent entities and
// DUPLICATE_IDENTITY for uniqueness violations.
//
// # Service
//
// Service is the facade consumed by transports. It never returns shared
// secrets, and login failures look the same whether or not the user exists.
package auth
