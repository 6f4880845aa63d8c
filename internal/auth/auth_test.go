package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"admp/internal/apierr"
	"admp/internal/crypto"
	"admp/internal/store"
)

func newSignedRequest(t *testing.T, agentID string, priv ed25519.PrivateKey, signedAt time.Time, tamper bool) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/agents/bob/messages", nil)
	req.Header.Set("Host", "admp.example")
	req.Header.Set("Date", signedAt.UTC().Format(http.TimeFormat))

	target := RequestTarget(req.Method, req.URL.RequestURI())
	headers := []string{"(request-target)", "host", "date"}
	signingString, err := SigningString(headers, func(name string) (string, bool) {
		if name == "(request-target)" {
			return target, true
		}
		v := req.Header.Get(name)
		return v, v != ""
	})
	if err != nil {
		t.Fatalf("signing string: %v", err)
	}
	sig := ed25519.Sign(priv, []byte(signingString))
	if tamper {
		sig[0] ^= 0xFF
	}

	header := `keyId="` + agentID + `",algorithm="ed25519",headers="(request-target) host date",signature="` + crypto.Base64Encode(sig) + `"`
	req.Header.Set("Signature", header)
	return req
}

func TestAuthenticateValidSignatureHappyPath(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	repo := store.NewMemory()
	now := time.Now().UTC()
	agent := &store.Agent{
		AgentID:            "alice",
		RegistrationStatus: store.RegistrationApproved,
		PublicKeys:         []store.PublicKey{{Version: 1, PublicKey: pub, CreatedAt: now}},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := repo.CreateAgent(context.Background(), agent); err != nil {
		t.Fatalf("create agent: %v", err)
	}

	svc := &Service{Repository: repo, Now: func() time.Time { return now }}
	req := newSignedRequest(t, "alice", priv, now, false)

	principal, err := svc.Authenticate(req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.AgentID != "alice" || principal.AuthMethod != MethodSignature {
		t.Fatalf("unexpected principal: %+v", principal)
	}
}

// TestAuthenticateInvalidSignatureNeverFallsBackToAPIKey is the explicit
// scenario from spec.md §8: a request carrying both a (tampered)
// Signature header and a valid API key must be rejected with
// SIGNATURE_INVALID, never silently falling through to the API-key tier.
func TestAuthenticateInvalidSignatureNeverFallsBackToAPIKey(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	repo := store.NewMemory()
	now := time.Now().UTC()
	agent := &store.Agent{
		AgentID:            "alice",
		RegistrationStatus: store.RegistrationApproved,
		PublicKeys:         []store.PublicKey{{Version: 1, PublicKey: pub, CreatedAt: now}},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := repo.CreateAgent(context.Background(), agent); err != nil {
		t.Fatalf("create agent: %v", err)
	}

	svc := &Service{Repository: repo, Now: func() time.Time { return now }, MasterAPIKey: "master-secret"}
	req := newSignedRequest(t, "alice", priv, now, true)
	req.Header.Set("X-Api-Key", "master-secret")

	_, err := svc.Authenticate(req)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeSignatureInvalid {
		t.Fatalf("expected SIGNATURE_INVALID, got %v", err)
	}
}

func TestAuthenticateDIDWebRegistrationPendingRejected(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	repo := store.NewMemory()
	now := time.Now().UTC()
	agent := &store.Agent{
		AgentID:            "did-web:example.com",
		RegistrationStatus: store.RegistrationPending,
		PublicKeys:         []store.PublicKey{{Version: 1, PublicKey: pub, CreatedAt: now}},
		DID:                "did:web:example.com",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := repo.CreateAgent(context.Background(), agent); err != nil {
		t.Fatalf("create agent: %v", err)
	}

	svc := &Service{
		Repository: repo,
		Now:        func() time.Time { return now },
		DIDWeb:     fakeDIDWebResolver{keys: [][]byte{pub}},
	}
	req := newSignedRequest(t, "did:web:example.com", priv, now, false)

	_, err := svc.Authenticate(req)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeRegistrationPending {
		t.Fatalf("expected REGISTRATION_PENDING, got %v", err)
	}
}

type fakeDIDWebResolver struct {
	keys [][]byte
	err  error
}

func (f fakeDIDWebResolver) Resolve(ctx context.Context, did string) ([][]byte, error) {
	return f.keys, f.err
}

func TestAuthenticateSingleUseKeyConcurrentRedemptionExactlyOneWinner(t *testing.T) {
	repo := store.NewMemory()
	now := time.Now().UTC()
	key := "one-time-token"
	hash := crypto.SHA256Hex([]byte(key))
	if err := repo.CreateIssuedKey(context.Background(), &store.IssuedKey{
		KeyID:     "key-1",
		KeyHash:   hash,
		SingleUse: true,
		CreatedAt: now,
	}); err != nil {
		t.Fatalf("create issued key: %v", err)
	}

	svc := &Service{Repository: repo, Now: func() time.Time { return now }, APIKeyRequired: true}

	const n = 20
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			req := httptest.NewRequest(http.MethodPost, "/v1/agents/bob/messages", nil)
			req.Header.Set("X-Api-Key", key)
			_, err := svc.Authenticate(req)
			results <- err
		}()
	}

	var successes, used int
	for i := 0; i < n; i++ {
		err := <-results
		if err == nil {
			successes++
			continue
		}
		if apiErr, ok := apierr.As(err); ok && apiErr.Code == apierr.CodeEnrollmentTokenUsed {
			used++
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly 1 successful redemption, got %d", successes)
	}
	if used != n-1 {
		t.Fatalf("expected %d ENROLLMENT_TOKEN_USED rejections, got %d", n-1, used)
	}
}

func TestAuthorizeTargetEnforcesCallerEqualsTarget(t *testing.T) {
	p := Principal{AgentID: "alice"}
	if err := AuthorizeTarget(p, "alice", false); err != nil {
		t.Fatalf("expected self-target allowed: %v", err)
	}
	if err := AuthorizeTarget(p, "bob", false); err == nil {
		t.Fatal("expected cross-agent access rejected without the send exception")
	}
	if err := AuthorizeTarget(p, "bob", true); err != nil {
		t.Fatalf("expected cross-agent send exception allowed: %v", err)
	}
}

func TestCheckEnrollmentScopeRejectsMismatchedTarget(t *testing.T) {
	p := Principal{AuthMethod: MethodIssuedKey, IssuedKeyTarget: "alice"}
	if err := CheckEnrollmentScope(p, "alice"); err != nil {
		t.Fatalf("expected matching target allowed: %v", err)
	}
	err := CheckEnrollmentScope(p, "bob")
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeEnrollmentTokenScope {
		t.Fatalf("expected ENROLLMENT_TOKEN_SCOPE, got %v", err)
	}
}

func TestAuthenticateMasterKeyAndJWTTiers(t *testing.T) {
	now := time.Now().UTC()
	repo := store.NewMemory()
	svc := &Service{
		Repository:     repo,
		Now:            func() time.Time { return now },
		MasterAPIKey:   "master-secret",
		APIKeyRequired: true,
		JWT:            JWTConfig{Secret: "jwt-secret", Issuer: "admp"},
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/agents/bob/messages", nil)
	req.Header.Set("X-Api-Key", "master-secret")
	p, err := svc.Authenticate(req)
	if err != nil || p.AuthMethod != MethodMasterKey {
		t.Fatalf("expected master key tier, got %+v, %v", p, err)
	}

	token, err := NewBearerToken("alice", svc.JWT, time.Hour, now)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req2 := httptest.NewRequest(http.MethodPost, "/v1/agents/alice/messages", nil)
	req2.Header.Set("Authorization", "Bearer "+token)
	p2, err := svc.Authenticate(req2)
	if err != nil || p2.AgentID != "alice" || p2.AuthMethod != MethodJWT {
		t.Fatalf("expected jwt tier for alice, got %+v, %v", p2, err)
	}
}
