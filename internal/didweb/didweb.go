// Package didweb resolves did:web identifiers to Ed25519 verification
// keys over HTTPS, with the SSRF hardening and domain allowlisting
// spec.md §4.1 requires. The domain-parsing idiom is grounded on the
// teacher's internal/domains package (CanonicalizeDomain's rejection
// order: empty, then disallowed characters, then format); the DNS-TXT
// resolver-interface test seam in internal/domains/verification.go
// grounds this package's Fetcher interface.
package didweb

import (
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"strings"
)

const (
	DIDWebPrefix   = "did:web:"
	ShadowIDPrefix = "did-web:"
)

var pathSegmentPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Identity is a parsed did:web identifier.
type Identity struct {
	Domain string
	Path   []string
}

// URL returns the DID document URL this identity resolves to:
// https://<domain>/<path…>/did.json when the identity has path segments,
// and https://<domain>/.well-known/did.json when it has none.
func (id Identity) URL() string {
	if len(id.Path) == 0 {
		return "https://" + id.Domain + "/.well-known/did.json"
	}
	return "https://" + id.Domain + "/" + strings.Join(id.Path, "/") + "/did.json"
}

// ShadowAgentID returns the deterministic agent ID assigned to this
// identity's shadow agent (spec.md §4.1: "Shadow agent ID is
// did-web:<domain>[/<path…>]").
func (id Identity) ShadowAgentID() string {
	if len(id.Path) == 0 {
		return ShadowIDPrefix + id.Domain
	}
	return ShadowIDPrefix + id.Domain + "/" + strings.Join(id.Path, "/")
}

// DID reconstructs the canonical did:web string: domain and path
// segments are colon-joined per the did:web spec, so the result parses
// back to the same Identity (ShadowAgentID, by contrast, slash-joins
// the path).
func (id Identity) DID() string {
	if len(id.Path) == 0 {
		return DIDWebPrefix + id.Domain
	}
	return DIDWebPrefix + id.Domain + ":" + strings.Join(id.Path, ":")
}

// Parse splits a did:web:<domain>[:<path>...] identifier into domain and
// path segments, rejecting ".." and any non-safe character immediately
// (spec.md §4.1: "any ".." segment or non-safe character rejects
// immediately (no fetch)").
func Parse(did string) (Identity, error) {
	if !strings.HasPrefix(did, DIDWebPrefix) {
		return Identity{}, fmt.Errorf("not a did:web identifier")
	}
	rest := strings.TrimPrefix(did, DIDWebPrefix)
	if rest == "" {
		return Identity{}, fmt.Errorf("did:web identifier missing domain")
	}
	parts := strings.Split(rest, ":")
	domain, err := canonicalizeDomain(parts[0])
	if err != nil {
		return Identity{}, err
	}
	path := parts[1:]
	for _, seg := range path {
		if seg == ".." || seg == "." || seg == "" {
			return Identity{}, fmt.Errorf("unsafe path segment %q", seg)
		}
		if !pathSegmentPattern.MatchString(seg) {
			return Identity{}, fmt.Errorf("unsafe path segment %q", seg)
		}
	}
	return Identity{Domain: domain, Path: path}, nil
}

var validHostnamePattern = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]*[a-z0-9])?\.)+[a-z]{2,}$`)

func canonicalizeDomain(domain string) (string, error) {
	d := strings.TrimSpace(domain)
	d = strings.ToLower(d)
	d = strings.TrimSuffix(d, ".")
	if d == "" {
		return "", fmt.Errorf("domain is empty")
	}
	if strings.Contains(d, "://") {
		return "", fmt.Errorf("domain must not contain protocol: %q", domain)
	}
	if strings.Contains(d, "/") {
		return "", fmt.Errorf("domain must not contain path: %q", domain)
	}
	if strings.Contains(d, " ") {
		return "", fmt.Errorf("domain must not contain spaces: %q", domain)
	}
	if !validHostnamePattern.MatchString(d) {
		return "", fmt.Errorf("invalid domain: %q", domain)
	}
	return d, nil
}

// DomainAllowed reports whether domain may be resolved under the
// configured allowlist. An empty allowlist means any public domain is
// permitted, subject to the SSRF blocklist (spec.md §4.1).
func DomainAllowed(domain string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, allowed := range allowlist {
		if strings.EqualFold(allowed, domain) {
			return true
		}
	}
	return false
}

// IsBlockedHost reports whether a host string that is itself an IP
// literal falls into the SSRF blocklist. Non-IP hostnames return false
// here; the caller resolves DNS and checks IsBlockedIP on each address
// (spec.md §4.1: "pre-DNS and post-DNS" blocklist application).
func IsBlockedHost(host string) bool {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return isBlockedAddr(addr)
}

var cgnatBlock = mustParseCIDR("100.64.0.0/10")

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// IsBlockedIP applies the SSRF blocklist to a DNS-resolved address.
func IsBlockedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return true
	}
	return isBlockedAddr(addr)
}

// isBlockedAddr implements spec.md §4.1's blocklist: loopback,
// link-local, private (RFC 1918), CGNAT (100.64.0.0/10), any address
// expressed in IPv4-mapped-IPv6 form, and any other IPv6 address ("raw
// IPv6 literals in host").
func isBlockedAddr(addr netip.Addr) bool {
	if addr.Is4In6() {
		return true
	}
	if addr.Is6() {
		return true
	}
	if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
		return true
	}
	if addr.IsPrivate() {
		return true
	}
	if cgnatBlock.Contains(net.IP(addr.AsSlice())) {
		return true
	}
	return false
}
