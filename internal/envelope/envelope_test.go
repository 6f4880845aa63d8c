package envelope

import (
	"strings"
	"testing"
	"time"

	"admp/internal/apierr"
	"admp/internal/store"
)

func TestValidAgentIDBoundaryLength(t *testing.T) {
	ok255 := strings.Repeat("a", 255)
	if err := ValidAgentID(ok255, true); err != nil {
		t.Fatalf("expected 255-char agent id accepted, got %v", err)
	}
	bad256 := strings.Repeat("a", 256)
	if err := ValidAgentID(bad256, true); err == nil {
		t.Fatal("expected 256-char agent id rejected")
	}
}

func TestValidAgentIDRejectsBadCharset(t *testing.T) {
	if err := ValidAgentID("agent a/b", true); err == nil {
		t.Fatal("expected space/slash rejected")
	}
}

func TestValidAgentIDRejectsReservedPrefixAtRegistration(t *testing.T) {
	for _, id := range []string{"did:seed:abc", "DID:web:example.com", "agent:foo", "AGENT:foo"} {
		if err := ValidAgentID(id, true); err == nil {
			t.Fatalf("expected reserved prefix rejected for %q", id)
		}
	}
}

func TestValidAgentIDAllowsReservedPrefixWhenNotRegistering(t *testing.T) {
	if err := ValidAgentID("did-web:example.com", false); err != nil {
		t.Fatalf("expected shadow-agent id accepted outside registration, got %v", err)
	}
}

func TestFreshBoundaryExactlyFiveMinutes(t *testing.T) {
	now := time.Now()
	exactlyAtBoundary := now.Add(-FreshnessWindow)
	if !Fresh(exactlyAtBoundary, now) {
		t.Fatal("expected exactly 5 minutes old to be accepted")
	}
	oneSecondPast := now.Add(-FreshnessWindow - time.Second)
	if Fresh(oneSecondPast, now) {
		t.Fatal("expected one second past the window to be rejected")
	}
	futureAtBoundary := now.Add(FreshnessWindow)
	if !Fresh(futureAtBoundary, now) {
		t.Fatal("expected exactly 5 minutes in the future to be accepted")
	}
}

func TestValidateShapeHappyPath(t *testing.T) {
	now := time.Now().UTC()
	env := &store.Envelope{
		Version:   CurrentVersion,
		From:      "agent-a",
		To:        "agent-b",
		Subject:   "hello",
		Timestamp: now.Format(time.RFC3339),
	}
	if err := ValidateShape(env, now); err != nil {
		t.Fatalf("expected valid envelope, got %v", err)
	}
}

func TestValidateShapeRejectsWrongVersion(t *testing.T) {
	now := time.Now().UTC()
	env := &store.Envelope{
		Version:   "2.0",
		From:      "agent-a",
		To:        "agent-b",
		Subject:   "hi",
		Timestamp: now.Format(time.RFC3339),
	}
	err := ValidateShape(env, now)
	if err == nil {
		t.Fatal("expected version rejection")
	}
}

func TestValidateShapeRejectsStaleTimestamp(t *testing.T) {
	now := time.Now().UTC()
	env := &store.Envelope{
		Version:   CurrentVersion,
		From:      "agent-a",
		To:        "agent-b",
		Subject:   "hi",
		Timestamp: now.Add(-10 * time.Minute).Format(time.RFC3339),
	}
	err := ValidateShape(env, now)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeInvalidTimestamp {
		t.Fatalf("expected INVALID_TIMESTAMP, got %v", err)
	}
}

func TestSigningBaseDeterministicRegardlessOfBodyKeyOrder(t *testing.T) {
	envA := &store.Envelope{
		Timestamp:     "2026-01-01T00:00:00Z",
		From:          "agent-a",
		To:            "agent-b",
		CorrelationID: "corr-1",
		Body:          []byte(`{"a":1,"b":2}`),
	}
	envB := &store.Envelope{
		Timestamp:     "2026-01-01T00:00:00Z",
		From:          "agent-a",
		To:            "agent-b",
		CorrelationID: "corr-1",
		Body:          []byte(`{"b":2,"a":1}`),
	}
	baseA, err := SigningBase(envA)
	if err != nil {
		t.Fatalf("signing base: %v", err)
	}
	baseB, err := SigningBase(envB)
	if err != nil {
		t.Fatalf("signing base: %v", err)
	}
	if baseA != baseB {
		t.Fatalf("expected key-order-independent signing base, got %q vs %q", baseA, baseB)
	}
}

func TestSigningBaseEmptyBodyTreatedAsEmptyObject(t *testing.T) {
	env := &store.Envelope{
		Timestamp: "2026-01-01T00:00:00Z",
		From:      "agent-a",
		To:        "agent-b",
	}
	base, err := SigningBase(env)
	if err != nil {
		t.Fatalf("signing base: %v", err)
	}
	lines := strings.Split(base, "\n")
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d", len(lines))
	}
	if lines[4] != "" {
		t.Fatalf("expected empty correlation_id line, got %q", lines[4])
	}
}

func TestStripAgentPrefix(t *testing.T) {
	if got := StripAgentPrefix("agent://foo"); got != "foo" {
		t.Fatalf("expected prefix stripped, got %q", got)
	}
	if got := StripAgentPrefix("foo"); got != "foo" {
		t.Fatalf("expected unchanged, got %q", got)
	}
}
