// Package envelope validates the canonical message envelope and builds
// the signing base used by envelope-level signature verification
// (spec.md §6); HTTP-signature signing strings are built by
// internal/auth, which uses this package's freshness and agent-prefix
// helpers. It sits below internal/auth and
// internal/inbox, which both depend on it, and never imports either.
package envelope

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"admp/internal/apierr"
	"admp/internal/store"
)

const (
	// CurrentVersion is the only envelope version accepted (spec.md §6).
	CurrentVersion = "1.0"

	// FreshnessWindow bounds how far a timestamp may drift from server
	// time in either direction (spec.md §6).
	FreshnessWindow = 5 * time.Minute
)

// ValidAgentID enforces spec.md §6's agent-ID rules: length, charset
// (delegated to store.ValidAgentIDSyntax, the same check the storage
// boundary itself enforces), and, for fresh registrations, the reserved
// did:/agent: prefixes.
func ValidAgentID(id string, rejectReservedPrefix bool) error {
	if err := store.ValidAgentIDSyntax(id); err != nil {
		return err
	}
	if rejectReservedPrefix {
		lower := strings.ToLower(id)
		if strings.HasPrefix(lower, "did:") || strings.HasPrefix(lower, "agent:") {
			return apierr.New(apierr.CodeInvalidName, 400, "agent id may not use a reserved prefix")
		}
	}
	return nil
}

// ValidateShape validates the required/optional fields of an envelope
// and the ±5 minute timestamp freshness window, per spec.md §6.
func ValidateShape(env *store.Envelope, now time.Time) error {
	if env.Version != CurrentVersion {
		return apierr.New(apierr.CodeSendFailed, 400, "unsupported envelope version")
	}
	if err := ValidAgentID(StripAgentPrefix(env.From), false); err != nil {
		return err
	}
	if err := ValidAgentID(StripAgentPrefix(env.To), false); err != nil {
		return err
	}
	if env.Subject == "" {
		return apierr.New(apierr.CodeSendFailed, 400, "subject is required")
	}
	ts, err := ParseTimestamp(env.Timestamp)
	if err != nil {
		return apierr.New(apierr.CodeInvalidTimestamp, 400, "timestamp is not valid ISO-8601")
	}
	if !Fresh(ts, now) {
		return apierr.New(apierr.CodeInvalidTimestamp, 400, "timestamp is outside the freshness window")
	}
	if env.Signature != nil && env.Signature.Alg != "ed25519" {
		return apierr.New(apierr.CodeUnsupportedAlgorithm, 400, "only ed25519 envelope signatures are accepted")
	}
	return nil
}

// ParseTimestamp parses an ISO-8601 timestamp, accepting RFC 3339 (the
// practical ISO-8601 profile Go's stdlib supports).
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// Fresh reports whether ts is within FreshnessWindow of now in either
// direction, inclusive of the boundary (spec.md §8: "exactly ±5 minutes
// accepted; one second outside rejected").
func Fresh(ts, now time.Time) bool {
	diff := now.Sub(ts)
	if diff < 0 {
		diff = -diff
	}
	return diff <= FreshnessWindow
}

// SigningBase builds the newline-joined signing base for an envelope's
// detached Ed25519 signature (spec.md §6):
//
//	<timestamp>
//	<base64(sha256(canonical_json(body ?? {})))>
//	<from>
//	<to>
//	<correlation_id or "">
func SigningBase(env *store.Envelope) (string, error) {
	body := env.Body
	if len(body) == 0 {
		body = []byte("{}")
	}
	canonical, err := CanonicalJSON(body)
	if err != nil {
		return "", fmt.Errorf("canonicalize body: %w", err)
	}
	digest := sha256.Sum256(canonical)
	bodyHash := base64.StdEncoding.EncodeToString(digest[:])

	lines := []string{
		env.Timestamp,
		bodyHash,
		env.From,
		env.To,
		env.CorrelationID,
	}
	return strings.Join(lines, "\n"), nil
}

// CanonicalJSON re-marshals arbitrary JSON with sorted object keys so the
// signing base is stable regardless of the sender's field order. Go's
// encoding/json already marshals map[string]any keys in sorted order, so
// round-tripping through an untyped decode is sufficient canonicalization
// (no pack library implements JSON canonicalization beyond jsonschema's
// validation-only scope; see DESIGN.md).
func CanonicalJSON(raw []byte) ([]byte, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// StripAgentPrefix removes a leading "agent://" from a kid value, per
// spec.md §6: "kid is the signing agent ID (with any agent:// prefix
// stripped)".
func StripAgentPrefix(kid string) string {
	return strings.TrimPrefix(kid, "agent://")
}
