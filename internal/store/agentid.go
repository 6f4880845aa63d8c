package store

import (
	"regexp"
	"strings"

	"admp/internal/apierr"
)

// maxAgentIDLen and agentIDSyntax are the length/charset rule that
// envelope.ValidAgentID applies by calling ValidAgentIDSyntax (spec.md
// §6); they live here so the storage
// boundary itself rejects a malformed agent_id rather than trusting
// every caller to have validated first.
const maxAgentIDLen = 255

var agentIDSyntax = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// controlChar matches the ASCII C0 control range and DEL — the one
// check spec.md §6 still requires for DID:web shadow agent IDs, which
// are exempt from the general charset regex because their `<path>`
// segment legitimately contains "/".
var controlChar = regexp.MustCompile(`[\x00-\x1f\x7f]`)

// shadowIDPrefix mirrors didweb.ShadowIDPrefix. store sits below
// didweb (didweb imports store), so the prefix is duplicated here
// rather than imported.
const shadowIDPrefix = "did-web:"

// ValidAgentIDSyntax enforces the length and charset rules spec.md §6
// requires for agent_id at the storage boundary — called from
// Repository.CreateAgent implementations directly, since callers that
// never go through the registration endpoint (DID:web shadow-agent
// creation is the one spec.md names by name) must still be rejected for
// control characters and length. A `did-web:<domain>[/<path>]` shadow ID
// is exempt from the general charset regex (its path segment contains
// "/") but still checked for control characters and length.
func ValidAgentIDSyntax(id string) error {
	if id == "" {
		return apierr.New(apierr.CodeInvalidName, 400, "agent id must not be empty")
	}
	if len(id) > maxAgentIDLen {
		return apierr.New(apierr.CodeNameTooLong, 400, "agent id exceeds 255 characters")
	}
	if strings.HasPrefix(id, shadowIDPrefix) {
		if controlChar.MatchString(id) {
			return apierr.New(apierr.CodeInvalidNameChars, 400, "agent id contains disallowed characters")
		}
		return nil
	}
	if !agentIDSyntax.MatchString(id) {
		return apierr.New(apierr.CodeInvalidNameChars, 400, "agent id contains disallowed characters")
	}
	return nil
}
