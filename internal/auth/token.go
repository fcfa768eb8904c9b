// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"

	"github.com/samber/oops"
)

// SessionTokenLength is the number of characters in a session token.
const SessionTokenLength = 32

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// maxUnbiasedByte is the largest multiple of len(tokenAlphabet) that fits in
// a byte; bytes at or above it are discarded so every symbol is equally likely.
const maxUnbiasedByte = 256 - 256%len(tokenAlphabet)

// TokenIssuer generates opaque session tokens.
type TokenIssuer interface {
	IssueToken() (string, error)
}

// RandomTokenIssuer draws tokens uniformly from the 62 alphanumeric symbols.
type RandomTokenIssuer struct {
	rand io.Reader
}

// NewTokenIssuer returns an issuer backed by crypto/rand.
func NewTokenIssuer() *RandomTokenIssuer {
	return &RandomTokenIssuer{rand: rand.Reader}
}

// NewTokenIssuerFrom returns an issuer reading entropy from r.
func NewTokenIssuerFrom(r io.Reader) *RandomTokenIssuer {
	return &RandomTokenIssuer{rand: r}
}

// IssueToken returns a fresh SessionTokenLength-character token.
func (i *RandomTokenIssuer) IssueToken() (string, error) {
	token := make([]byte, 0, SessionTokenLength)
	buf := make([]byte, SessionTokenLength)
	for len(token) < SessionTokenLength {
		if _, err := io.ReadFull(i.rand, buf); err != nil {
			return "", oops.With("operation", "read token entropy").Wrap(err)
		}
		for _, b := range buf {
			if int(b) >= maxUnbiasedByte {
				continue
			}
			token = append(token, tokenAlphabet[int(b)%len(tokenAlphabet)])
			if len(token) == SessionTokenLength {
				break
			}
		}
	}
	return string(token), nil
}

// HashSessionToken computes the SHA256 hash of a session token.
// Only hashes are stored in the session ledger.
func HashSessionToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// TokensEqual compares two tokens in constant time.
func TokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

var _ TokenIssuer = (*RandomTokenIssuer)(nil)
