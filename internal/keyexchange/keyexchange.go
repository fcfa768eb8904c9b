// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

// Package keyexchange implements X25519 Diffie-Hellman key agreement between
// the server identity key and client-supplied public keys.
package keyexchange

import (
	"crypto/rand"
	"encoding/hex"
	"io"

	"github.com/samber/oops"
	"golang.org/x/crypto/curve25519"

	"github.com/keyward/keyward/pkg/errutil"
)

// KeySize is the length in bytes of X25519 scalars, points and shared secrets.
const KeySize = curve25519.ScalarSize

const redacted = "[REDACTED]"

// PublicKey is an X25519 point.
type PublicKey [KeySize]byte

// PrivateKey is an X25519 scalar.
type PrivateKey [KeySize]byte

// SharedSecret is the output of an X25519 exchange.
type SharedSecret [KeySize]byte

// Hex returns the lowercase hex encoding of the key.
func (k PublicKey) Hex() string { return hex.EncodeToString(k[:]) }

// String implements fmt.Stringer.
func (k PublicKey) String() string { return k.Hex() }

// Hex returns the lowercase hex encoding of the scalar. Only the identity
// store should need this.
func (k PrivateKey) Hex() string { return hex.EncodeToString(k[:]) }

// String never exposes key material.
func (k PrivateKey) String() string { return redacted }

// Public derives the public point for the scalar.
func (k PrivateKey) Public() (PublicKey, error) {
	var pub PublicKey
	out, err := curve25519.X25519(k[:], curve25519.Basepoint)
	if err != nil {
		return pub, oops.Code(errutil.CodeInvalidKeyFormat).Wrap(err)
	}
	copy(pub[:], out)
	return pub, nil
}

// Hex returns the lowercase hex encoding of the secret.
func (s SharedSecret) Hex() string { return hex.EncodeToString(s[:]) }

// String never exposes key material.
func (s SharedSecret) String() string { return redacted }

// IsZero reports whether the secret is unset.
func (s SharedSecret) IsZero() bool { return s == SharedSecret{} }

// ParsePublicKey decodes a hex-encoded X25519 public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var k PublicKey
	if err := decodeKey("public key", s, k[:]); err != nil {
		return k, err
	}
	return k, nil
}

// ParsePrivateKey decodes a hex-encoded X25519 scalar.
func ParsePrivateKey(s string) (PrivateKey, error) {
	var k PrivateKey
	if err := decodeKey("private key", s, k[:]); err != nil {
		return k, err
	}
	return k, nil
}

// ParseSharedSecret decodes a hex-encoded shared secret.
func ParseSharedSecret(s string) (SharedSecret, error) {
	var k SharedSecret
	if err := decodeKey("shared secret", s, k[:]); err != nil {
		return k, err
	}
	return k, nil
}

func decodeKey(kind, s string, dst []byte) error {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return oops.Code(errutil.CodeInvalidKeyFormat).
			With("kind", kind).
			Public("key is not valid hex").
			Wrapf(err, "decode %s", kind)
	}
	if len(raw) != len(dst) {
		return oops.Code(errutil.CodeInvalidKeyFormat).
			With("kind", kind).
			With("length", len(raw)).
			Public("key must be 32 bytes").
			Errorf("%s must be %d bytes, got %d", kind, len(dst), len(raw))
	}
	copy(dst, raw)
	return nil
}

// GenerateKeyPair draws a fresh scalar from r and derives its public point.
// A nil reader means crypto/rand.
func GenerateKeyPair(r io.Reader) (PublicKey, PrivateKey, error) {
	if r == nil {
		r = rand.Reader
	}
	var priv PrivateKey
	if _, err := io.ReadFull(r, priv[:]); err != nil {
		return PublicKey{}, PrivateKey{}, oops.With("operation", "read key entropy").Wrap(err)
	}
	pub, err := priv.Public()
	if err != nil {
		return PublicKey{}, PrivateKey{}, err
	}
	return pub, priv, nil
}

// Derive computes the X25519 shared secret of priv and peer. Low-order peer
// points are rejected.
func Derive(priv PrivateKey, peer PublicKey) (SharedSecret, error) {
	var secret SharedSecret
	out, err := curve25519.X25519(priv[:], peer[:])
	if err != nil {
		return secret, oops.Code(errutil.CodeInvalidKeyFormat).
			Public("public key is not usable for key exchange").
			Wrap(err)
	}
	copy(secret[:], out)
	return secret, nil
}

// DeriveShared parses both hex keys and derives their shared secret.
func DeriveShared(clientPublicKeyHex, serverPrivateKeyHex string) (SharedSecret, error) {
	peer, err := ParsePublicKey(clientPublicKeyHex)
	if err != nil {
		return SharedSecret{}, err
	}
	priv, err := ParsePrivateKey(serverPrivateKeyHex)
	if err != nil {
		return SharedSecret{}, err
	}
	return Derive(priv, peer)
}
