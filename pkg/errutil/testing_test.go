// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package errutil_test

import (
	"testing"

	"github.com/samber/oops"

	"github.com/keyward/keyward/pkg/errutil"
)

func TestAssertErrorCode_MatchingCode(t *testing.T) {
	err := oops.Code(errutil.CodeInvalidCredentials).Errorf("invalid username or password")
	errutil.AssertErrorCode(t, err, errutil.CodeInvalidCredentials)
}

func TestAssertErrorCode_WrappedCode(t *testing.T) {
	inner := oops.Code(errutil.CodeNotFound).Errorf("user not found")
	errutil.AssertErrorCode(t, oops.With("username", "alice").Wrap(inner), errutil.CodeNotFound)
}

func TestAssertErrorContext_MatchingKeyValue(t *testing.T) {
	err := oops.With("username", "alice").Errorf("test error")
	errutil.AssertErrorContext(t, err, "username", "alice")
}

func TestAssertPublicError(t *testing.T) {
	err := oops.Code(errutil.CodeDuplicateIdentity).
		Public("username or email already registered").
		Errorf("email taken: bob@example.com")
	errutil.AssertPublicError(t, err, errutil.CodeDuplicateIdentity, "username or email already registered")
}
