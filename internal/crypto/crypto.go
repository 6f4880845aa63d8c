// Package crypto provides the primitives the rest of the core builds on:
// Ed25519 sign/verify, SHA-256, HMAC-SHA256, HKDF-SHA256, base64 and
// multibase codecs, DID-fingerprint derivation, and deterministic
// seed-to-keypair generation (spec.md §2).
package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyPair is an Ed25519 signing keypair.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// SeedToKeyPair deterministically derives an Ed25519 keypair from an
// arbitrary-length seed, stretching it through HKDF-SHA256 first so short
// or low-entropy seeds don't map directly onto the Ed25519 seed space.
func SeedToKeyPair(seed []byte, info string) (KeyPair, error) {
	if len(seed) == 0 {
		return KeyPair{}, errors.New("seed must not be empty")
	}
	stretched := make([]byte, ed25519.SeedSize)
	kdf := hkdf.New(sha256.New, seed, nil, []byte(info))
	if _, err := io.ReadFull(kdf, stretched); err != nil {
		return KeyPair{}, fmt.Errorf("stretch seed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(stretched)
	return KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// Sign produces a detached Ed25519 signature over msg.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify checks a detached Ed25519 signature. Returns false (never panics)
// for malformed keys or signatures.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// SHA256Sum returns the raw SHA-256 digest of data.
func SHA256Sum(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// SHA256Hex returns the hex-encoded SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum[:])
}

// HMACSHA256Hex computes HMAC-SHA256(key, data) and hex-encodes it.
func HMACSHA256Hex(key, data []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return fmt.Sprintf("%x", mac.Sum(nil))
}

// HMACEqual does a constant-time comparison of two HMAC digests (hex or
// raw, any matching encoding) to avoid timing side channels.
func HMACEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// HKDFSHA256 derives outLen bytes of key material from secret using
// HKDF-SHA256 with the given salt and info.
func HKDFSHA256(secret, salt, info []byte, outLen int) ([]byte, error) {
	out := make([]byte, outLen)
	kdf := hkdf.New(sha256.New, secret, salt, info)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("hkdf derive: %w", err)
	}
	return out, nil
}

// Base64Encode/Base64Decode use standard (non-URL) base64 throughout, per
// the envelope signature contract in spec.md §6.
func Base64Encode(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func Base64Decode(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

// ConstantTimeEqual compares two strings in constant time, for master API
// key comparisons (spec.md §4.1 stage A.3).
func ConstantTimeEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
