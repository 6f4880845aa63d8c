package auth

import (
	"fmt"
	"regexp"
	"strings"
)

// SignatureParams is a parsed `Signature` request header (spec.md §6):
//
//	Signature: keyId="<agent-id-or-DID>",algorithm="ed25519",headers="(request-target) host date",signature="<base64>"
type SignatureParams struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature string
}

var sigFieldPattern = regexp.MustCompile(`^([a-zA-Z]+)="([^"]*)"$`)

// ParseSignatureHeader parses the bespoke Signature header grammar. No
// whitespace around the comma separators is permitted, per spec.md §6.
func ParseSignatureHeader(header string) (SignatureParams, error) {
	if header == "" {
		return SignatureParams{}, fmt.Errorf("empty signature header")
	}
	var params SignatureParams
	seen := map[string]bool{}
	for _, field := range strings.Split(header, ",") {
		m := sigFieldPattern.FindStringSubmatch(field)
		if m == nil {
			return SignatureParams{}, fmt.Errorf("malformed signature field %q", field)
		}
		key, value := strings.ToLower(m[1]), m[2]
		seen[key] = true
		switch key {
		case "keyid":
			params.KeyID = value
		case "algorithm":
			params.Algorithm = value
		case "headers":
			params.Headers = strings.Split(value, " ")
		case "signature":
			params.Signature = value
		default:
			return SignatureParams{}, fmt.Errorf("unknown signature field %q", key)
		}
	}
	if !seen["keyid"] || !seen["algorithm"] || !seen["headers"] || !seen["signature"] {
		return SignatureParams{}, fmt.Errorf("signature header missing required field")
	}
	return params, nil
}

// RequiredSignedHeaders validates that the signed-headers list includes
// the two mandatory entries (spec.md §4.1: "Signed headers list must
// include the pseudo-header (request-target) and date").
func RequiredSignedHeaders(headers []string) error {
	var hasTarget, hasDate bool
	for _, h := range headers {
		switch h {
		case "(request-target)":
			hasTarget = true
		case "date":
			hasDate = true
		}
	}
	if !hasTarget || !hasDate {
		return fmt.Errorf("signed headers list must include (request-target) and date")
	}
	return nil
}

// RequestTarget builds the `(request-target)` pseudo-header value: the
// lowercase HTTP method, a space, and the request path including any
// query string (spec.md §4.1).
func RequestTarget(method, pathWithQuery string) string {
	return strings.ToLower(method) + " " + pathWithQuery
}

// SigningString builds the signature base: each signed header rendered
// as "<name>: <value>", joined with a single \n, in the order given by
// headers (spec.md §4.1).
func SigningString(headers []string, lookup func(name string) (string, bool)) (string, error) {
	lines := make([]string, 0, len(headers))
	for _, name := range headers {
		value, ok := lookup(name)
		if !ok {
			return "", fmt.Errorf("missing value for signed header %q", name)
		}
		lines = append(lines, strings.ToLower(name)+": "+value)
	}
	return strings.Join(lines, "\n"), nil
}
