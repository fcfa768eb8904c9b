// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package auth

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/keyward/keyward/pkg/errutil"
)

// Input constraints.
const (
	MinUsernameLength = 3
	MaxUsernameLength = 30
	MaxEmailLength    = 254
	MaxPasswordLength = 1024
)

// usernameRegex matches usernames that:
// - Start with a letter (a-z, A-Z)
// - Contain only letters, numbers, and underscores
var usernameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// UserRecord is the durable credential record of one user. Usernames are
// case-sensitive; emails compare case-insensitively.
type UserRecord struct {
	Username       string    `json:"username"`
	Email          string    `json:"email"`
	PasswordDigest string    `json:"password"`
	CreatedAt      time.Time `json:"date_created"`
	SessionToken   string    `json:"session_key,omitempty"`
}

// ExchangeBinding is the session-bootstrap material from a user's most
// recent key exchange.
type ExchangeBinding struct {
	Username string    `json:"username"`
	Secret   string    `json:"shared_key"`
	BoundAt  time.Time `json:"bound_at"`
}

// NormalizeEmail returns the form emails are compared in.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsEmailIdentifier reports whether a login identifier names an email
// rather than a username.
func IsEmailIdentifier(identifier string) bool {
	return strings.Contains(identifier, "@")
}

// ValidateUsername validates a username against rules.
// Username requirements:
// - Length: MinUsernameLength to MaxUsernameLength characters
// - Must start with a letter
// - Can contain only letters (a-z, A-Z), numbers (0-9), and underscores (_)
func ValidateUsername(username string) error {
	if username == "" {
		return invalidInput(errutil.CodeInvalidUsername, "username cannot be empty")
	}
	if len(username) < MinUsernameLength {
		return invalidInput(errutil.CodeInvalidUsername, "username must be at least %d characters", MinUsernameLength)
	}
	if len(username) > MaxUsernameLength {
		return invalidInput(errutil.CodeInvalidUsername, "username must be at most %d characters", MaxUsernameLength)
	}
	if !usernameRegex.MatchString(username) {
		return invalidInput(errutil.CodeInvalidUsername,
			"username must start with a letter and contain only letters, numbers, and underscores")
	}
	return nil
}

// ValidateEmail accepts a bare RFC 5322 address such as alice@example.com.
func ValidateEmail(email string) error {
	if email == "" {
		return invalidInput(errutil.CodeInvalidEmail, "email cannot be empty")
	}
	if len(email) > MaxEmailLength {
		return invalidInput(errutil.CodeInvalidEmail, "email must be at most %d characters", MaxEmailLength)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return invalidInput(errutil.CodeInvalidEmail, "email address is not valid")
	}
	return nil
}

// ValidatePassword checks the length bounds of a candidate password.
func ValidatePassword(password string) error {
	if password == "" {
		return invalidInput(errutil.CodeInvalidPassword, "password cannot be empty")
	}
	if len(password) > MaxPasswordLength {
		return invalidInput(errutil.CodeInvalidPassword, "password must be at most %d bytes", MaxPasswordLength)
	}
	return nil
}

func invalidInput(code, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return oops.Code(code).Public(msg).Errorf("%s", msg)
}
