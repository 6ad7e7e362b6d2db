// Package keyutil holds identity key generation and formatting helpers.
// Public keys travel as 33 bytes: a 0x05 type marker followed by the
// 32-byte Curve25519 point.
package keyutil

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeyTypeDJB marks a Curve25519 public key in serialized form.
const KeyTypeDJB = 0x05

// SerializedKeySize is the length of a serialized public key.
const SerializedKeySize = 1 + curve25519.ScalarSize

// IdentityKeyPair is a long-term Curve25519 identity.
type IdentityKeyPair struct {
	PrivateKey []byte // 32 bytes, clamped
	PublicKey  []byte // 33 bytes, 0x05-prefixed
}

// GenerateIdentityKeyPair creates a fresh identity key pair.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, fmt.Errorf("keyutil: generate: %w", err)
	}
	clamp(priv)

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("keyutil: derive public: %w", err)
	}

	return &IdentityKeyPair{
		PrivateKey: priv,
		PublicKey:  append([]byte{KeyTypeDJB}, pub...),
	}, nil
}

// clamp adjusts a scalar per the X25519 private key convention.
func clamp(priv []byte) {
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
}

// ValidatePublicKey checks that a serialized public key has the
// expected length and type marker.
func ValidatePublicKey(key []byte) error {
	if len(key) != SerializedKeySize {
		return fmt.Errorf("keyutil: public key length %d, want %d", len(key), SerializedKeySize)
	}
	if key[0] != KeyTypeDJB {
		return fmt.Errorf("keyutil: unknown key type 0x%02x", key[0])
	}
	return nil
}

// DeriveSecrets expands a shared secret into n bytes of key material
// with HKDF-SHA256 and the given info label.
func DeriveSecrets(secret, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), out); err != nil {
		return nil, fmt.Errorf("keyutil: derive secrets: %w", err)
	}
	return out, nil
}

// Agree computes the shared secret between a private key and a
// serialized public key.
func Agree(priv, pub []byte) ([]byte, error) {
	if err := ValidatePublicKey(pub); err != nil {
		return nil, err
	}
	secret, err := curve25519.X25519(priv, pub[1:])
	if err != nil {
		return nil, fmt.Errorf("keyutil: agree: %w", err)
	}
	return secret, nil
}
