package crypto

import (
	"errors"
	"math/big"
	"strings"
)

// Multibase base58btc support (the `z` prefix), and the Ed25519
// multicodec (0xed01) wrapping used by did:web verificationMethod
// entries (spec.md §4.1 / §6: "multicodec 0xed01 prefix, 34-byte key
// length"). No library in the reference corpus implements multibase —
// see DESIGN.md's stdlib-justification entry for this file.

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var base58Index = func() [256]int8 {
	var idx [256]int8
	for i := range idx {
		idx[i] = -1
	}
	for i, c := range base58Alphabet {
		idx[c] = int8(i)
	}
	return idx
}()

// Base58Encode encodes data as base58 (Bitcoin/IPFS alphabet), preserving
// leading zero bytes as leading '1's.
func Base58Encode(data []byte) string {
	zero := big.NewInt(0)
	radix := big.NewInt(58)
	mod := new(big.Int)
	num := new(big.Int).SetBytes(data)

	var out []byte
	for num.Cmp(zero) > 0 {
		num.DivMod(num, radix, mod)
		out = append(out, base58Alphabet[mod.Int64()])
	}
	for _, b := range data {
		if b != 0 {
			break
		}
		out = append(out, base58Alphabet[0])
	}
	reverse(out)
	return string(out)
}

// Base58Decode decodes a base58 string back to bytes.
func Base58Decode(s string) ([]byte, error) {
	num := big.NewInt(0)
	radix := big.NewInt(58)
	for _, c := range s {
		if c > 255 || base58Index[c] < 0 {
			return nil, errors.New("invalid base58 character")
		}
		num.Mul(num, radix)
		num.Add(num, big.NewInt(int64(base58Index[c])))
	}
	decoded := num.Bytes()
	var leadingZeros int
	for _, c := range s {
		if c != rune(base58Alphabet[0]) {
			break
		}
		leadingZeros++
	}
	out := make([]byte, leadingZeros+len(decoded))
	copy(out[leadingZeros:], decoded)
	return out, nil
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// multicodecEd25519Pub is the varint-encoded multicodec prefix (0xed01)
// for an Ed25519 public key, per the did:key/did:web convention spec.md
// §4.1 requires.
var multicodecEd25519Pub = []byte{0xed, 0x01}

// MultibaseEncodeEd25519Pub wraps a 32-byte Ed25519 public key in the
// 0xed01 multicodec prefix and encodes it as multibase base58btc (a
// leading 'z').
func MultibaseEncodeEd25519Pub(pub []byte) (string, error) {
	if len(pub) != 32 {
		return "", errors.New("ed25519 public key must be 32 bytes")
	}
	prefixed := make([]byte, 0, len(multicodecEd25519Pub)+len(pub))
	prefixed = append(prefixed, multicodecEd25519Pub...)
	prefixed = append(prefixed, pub...)
	return "z" + Base58Encode(prefixed), nil
}

// MultibaseDecodeEd25519Pub reverses MultibaseEncodeEd25519Pub, rejecting
// any curve or length other than Ed25519/32 bytes (spec.md §4.1: "34-byte
// key length; any other curve or length rejected" — 2 prefix bytes + 32
// key bytes = 34).
func MultibaseDecodeEd25519Pub(encoded string) ([]byte, error) {
	if !strings.HasPrefix(encoded, "z") {
		return nil, errors.New("unsupported multibase prefix (only base58btc 'z' accepted)")
	}
	raw, err := Base58Decode(encoded[1:])
	if err != nil {
		return nil, err
	}
	if len(raw) != 34 {
		return nil, errors.New("unexpected multibase payload length, want 34 bytes")
	}
	if raw[0] != multicodecEd25519Pub[0] || raw[1] != multicodecEd25519Pub[1] {
		return nil, errors.New("unsupported multicodec, only ed25519-pub (0xed01) accepted")
	}
	return raw[2:], nil
}

// DIDSeedFingerprint derives the did:seed: identifier fingerprint from a
// public key: multibase-encode, then take the first 16 base58 characters
// as a compact fingerprint (spec.md GLOSSARY: "did:seed:<fingerprint>
// (self-derived)").
func DIDSeedFingerprint(pub []byte) (string, error) {
	encoded, err := MultibaseEncodeEd25519Pub(pub)
	if err != nil {
		return "", err
	}
	fp := strings.TrimPrefix(encoded, "z")
	if len(fp) > 16 {
		fp = fp[:16]
	}
	return "did:seed:" + fp, nil
}
