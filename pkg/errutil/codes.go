// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package errutil

import (
	"github.com/samber/oops"
)

// Error codes shared by every layer. Transport maps these to status codes.
const (
	CodeStorage            = "STORAGE_ERROR"
	CodeInvalidKeyFormat   = "INVALID_KEY_FORMAT"
	CodeDuplicateIdentity  = "DUPLICATE_IDENTITY"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeNotFound           = "NOT_FOUND"
	CodeInvalidSession     = "INVALID_SESSION"
	CodeInvalidUsername    = "INVALID_USERNAME"
	CodeInvalidEmail       = "INVALID_EMAIL"
	CodeInvalidPassword    = "INVALID_PASSWORD"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInvalidConfig      = "INVALID_CONFIG"
)

// Code returns the error code carried by err, or "" when err has none.
// oops reports the innermost code of a wrapped chain.
func Code(err error) string {
	if err == nil {
		return ""
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	code, ok := oopsErr.Code().(string)
	if !ok {
		return ""
	}
	return code
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return Code(err) == code
}
