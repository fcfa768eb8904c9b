// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package auth

import (
	"errors"

	"github.com/samber/oops"

	"github.com/keyward/keyward/pkg/errutil"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Public messages for the error taxonomy. Transports may show these to
// clients verbatim.
const (
	msgDuplicateIdentity  = "username or email already registered"
	msgInvalidCredentials = "invalid username or password"
	msgInvalidSession     = "invalid or expired session"
	msgStorage            = "internal storage error"
)

// DuplicateIdentityError reports a username or email collision without
// saying which one collided.
func DuplicateIdentityError() error {
	return oops.Code(errutil.CodeDuplicateIdentity).
		Public(msgDuplicateIdentity).
		Errorf("identity already registered")
}

// NotFoundError wraps ErrNotFound with the NOT_FOUND code.
func NotFoundError(kind, key string) error {
	return oops.Code(errutil.CodeNotFound).
		With("kind", kind).
		With("key", key).
		Wrap(ErrNotFound)
}

// StorageError marks err as a durable storage failure. err must not carry
// a code of its own.
func StorageError(operation string, err error) error {
	return oops.Code(errutil.CodeStorage).
		Public(msgStorage).
		With("operation", operation).
		Wrap(err)
}

// InvalidCredentialsError is the single error for unknown users and wrong
// passwords.
func InvalidCredentialsError() error {
	return oops.Code(errutil.CodeInvalidCredentials).
		Public(msgInvalidCredentials).
		Errorf("invalid username or password")
}

func invalidSessionError(reason string) error {
	return oops.Code(errutil.CodeInvalidSession).
		Public(msgInvalidSession).
		With("reason", reason).
		Errorf("invalid session")
}
