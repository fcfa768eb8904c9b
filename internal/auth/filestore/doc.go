// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

// Package filestore implements the auth persistence interfaces on the local
// file system. Every write goes through a temp file and a rename, and all
// mutations of one store are serialized by a mutex. Layout under the data
// directory:
//
//	registry/index.json
//	registry/users/<hex(username)>/user.json
//	registry/users/<hex(username)>/exchange.json
//	sessions/<token-hash>.json
//	exchanges/<handle>.json
package filestore
