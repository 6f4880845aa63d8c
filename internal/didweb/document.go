package didweb

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"admp/internal/crypto"
)

// Document is the subset of a W3C DID document ADMP understands
// (spec.md §6: "minimum accepted fields").
type Document struct {
	ID                 string              `json:"id"`
	VerificationMethod []verificationEntry `json:"verificationMethod"`
}

type verificationEntry struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
	PublicKeyBase64    string `json:"publicKeyBase64"`
}

// BuildDocument assembles the DID document ADMP serves for its own
// did:seed agents at the well-known endpoint (spec.md §6), given the
// agent's active Ed25519 public key.
func BuildDocument(did string, pub []byte) (Document, error) {
	mb, err := crypto.MultibaseEncodeEd25519Pub(pub)
	if err != nil {
		return Document{}, fmt.Errorf("encode public key: %w", err)
	}
	vmID := did + "#key-1"
	return Document{
		ID: did,
		VerificationMethod: []verificationEntry{{
			ID:                 vmID,
			Type:               "Ed25519VerificationKey2020",
			Controller:         did,
			PublicKeyMultibase: mb,
		}},
	}, nil
}

// ParseDocument decodes a DID document and extracts its Ed25519 public
// keys, rejecting any verification method that doesn't resolve to a
// 32-byte Ed25519 key (spec.md §4.1, §6). expectedDID must match the
// document's id field.
func ParseDocument(raw []byte, expectedDID string) ([][]byte, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse did document: %w", err)
	}
	if doc.ID != expectedDID {
		return nil, fmt.Errorf("did document id %q does not match requested did %q", doc.ID, expectedDID)
	}
	var keys [][]byte
	for _, vm := range doc.VerificationMethod {
		if vm.PublicKeyMultibase != "" {
			pub, err := crypto.MultibaseDecodeEd25519Pub(vm.PublicKeyMultibase)
			if err != nil {
				continue
			}
			keys = append(keys, pub)
			continue
		}
		if vm.PublicKeyBase64 != "" {
			pub, err := base64.StdEncoding.DecodeString(vm.PublicKeyBase64)
			if err != nil || len(pub) != 32 {
				continue
			}
			keys = append(keys, pub)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("did document has no usable ed25519 verification methods")
	}
	return keys, nil
}
