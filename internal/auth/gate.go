package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"admp/internal/apierr"
	"admp/internal/crypto"
	"admp/internal/didweb"
	"admp/internal/envelope"
	"admp/internal/store"
)

// DIDWebResolver resolves a did:web identity to its verification keys.
// *didweb.Resolver satisfies this; tests substitute a fake.
type DIDWebResolver interface {
	Resolve(ctx context.Context, did string) ([][]byte, error)
}

// Service implements the two-stage gate. Its shape (Config/Store/Now
// fields, an Authenticate entrypoint) is grounded on the teacher's
// auth.Service, generalized from JWT-or-cloud-key to
// signature-or-API-key-tiers-or-JWT.
type Service struct {
	Repository     store.Repository
	DIDWeb         DIDWebResolver
	Now            func() time.Time
	MasterAPIKey   string
	APIKeyRequired bool
	JWT            JWTConfig
}

// JWTConfig configures the additive bearer-JWT auth tier
// (SPEC_FULL.md §3).
type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Authenticate runs Stage A of the gate against an incoming request. It
// never falls back from a present-but-invalid Signature header to
// API-key auth (spec.md §4.1 step 1's fail-closed rule).
func (s *Service) Authenticate(r *http.Request) (Principal, error) {
	ctx := r.Context()
	if header := r.Header.Get("Signature"); header != "" {
		return s.verifySignature(ctx, r, header)
	}
	return s.verifyAPIKeyOrJWT(ctx, r)
}

func (s *Service) verifySignature(ctx context.Context, r *http.Request, header string) (Principal, error) {
	params, err := ParseSignatureHeader(header)
	if err != nil {
		return Principal{}, apierr.New(apierr.CodeInvalidSignatureHeader, 400, err.Error())
	}
	if params.Algorithm != "ed25519" {
		return Principal{}, apierr.New(apierr.CodeUnsupportedAlgorithm, 400, "only ed25519 is accepted")
	}
	if err := RequiredSignedHeaders(params.Headers); err != nil {
		return Principal{}, apierr.New(apierr.CodeInsufficientSignedHdrs, 400, err.Error())
	}

	dateHeader := r.Header.Get("Date")
	if dateHeader == "" {
		return Principal{}, apierr.New(apierr.CodeDateHeaderRequired, 400, "date header is required")
	}
	signedAt, err := http.ParseTime(dateHeader)
	if err != nil {
		return Principal{}, apierr.New(apierr.CodeSignatureInvalid, 401, "date header is not a valid HTTP date")
	}
	if !envelope.Fresh(signedAt, s.now()) {
		return Principal{}, apierr.New(apierr.CodeRequestExpired, 403, "request date is outside the freshness window")
	}

	target := RequestTarget(r.Method, r.URL.RequestURI())
	signingString, err := SigningString(params.Headers, func(name string) (string, bool) {
		if name == "(request-target)" {
			return target, true
		}
		v := r.Header.Get(name)
		if v == "" && name == "host" {
			// net/http moves an incoming Host header into r.Host.
			v = r.Host
		}
		if v == "" {
			return "", false
		}
		return v, true
	})
	if err != nil {
		return Principal{}, apierr.New(apierr.CodeInsufficientSignedHdrs, 400, err.Error())
	}

	sigBytes, err := crypto.Base64Decode(params.Signature)
	if err != nil {
		return Principal{}, apierr.ErrSignatureInvalid
	}

	keyID := params.KeyID
	keys, resolvedAgentID, err := s.resolveVerificationKeys(ctx, keyID)
	if err != nil {
		if apiErr, ok := apierr.As(err); ok {
			return Principal{}, apiErr
		}
		return Principal{}, apierr.ErrSignatureInvalid
	}

	var verified bool
	for _, pub := range keys {
		if crypto.Verify(pub, []byte(signingString), sigBytes) {
			verified = true
			break
		}
	}
	if !verified {
		return Principal{}, apierr.ErrSignatureInvalid
	}

	if resolvedAgentID != "" {
		if err := s.checkRegistrationStatus(ctx, resolvedAgentID); err != nil {
			return Principal{}, err
		}
	}

	return Principal{AgentID: resolvedAgentID, AuthMethod: MethodSignature}, nil
}

// resolveVerificationKeys returns the candidate Ed25519 public keys for
// a keyId, plus the agent ID they belong to (for Stage B and
// registration-status checks).
func (s *Service) resolveVerificationKeys(ctx context.Context, keyID string) ([][]byte, string, error) {
	agentID := envelope.StripAgentPrefix(keyID)

	if strings.HasPrefix(agentID, didweb.DIDWebPrefix) {
		if s.DIDWeb == nil {
			return nil, "", apierr.ErrSignatureInvalid
		}
		keys, err := s.DIDWeb.Resolve(ctx, agentID)
		if err != nil {
			return nil, "", apierr.ErrSignatureInvalid
		}
		identity, err := didweb.Parse(agentID)
		if err != nil {
			return nil, "", apierr.ErrSignatureInvalid
		}
		return keys, identity.ShadowAgentID(), nil
	}

	var agent *store.Agent
	var err error
	if strings.HasPrefix(strings.ToLower(agentID), "did:") {
		agent, err = s.Repository.GetAgentByDID(ctx, agentID)
	} else {
		agent, err = s.Repository.GetAgent(ctx, agentID)
	}
	if err != nil {
		return nil, "", fmt.Errorf("unknown keyid")
	}
	now := s.now()
	var keys [][]byte
	for _, pk := range agent.PublicKeys {
		if pk.Active(now) {
			keys = append(keys, pk.PublicKey)
		}
	}
	return keys, agent.AgentID, nil
}

func (s *Service) checkRegistrationStatus(ctx context.Context, agentID string) error {
	agent, err := s.Repository.GetAgent(ctx, agentID)
	if err != nil {
		return apierr.ErrSignatureInvalid
	}
	switch agent.RegistrationStatus {
	case store.RegistrationPending:
		return apierr.New(apierr.CodeRegistrationPending, 403, "agent registration is pending approval")
	case store.RegistrationRejected:
		return apierr.New(apierr.CodeRegistrationRejected, 403, "agent registration was rejected")
	}
	return nil
}

func (s *Service) verifyAPIKeyOrJWT(ctx context.Context, r *http.Request) (Principal, error) {
	if !s.APIKeyRequired {
		return s.tryJWT(r)
	}

	key := strings.TrimSpace(r.Header.Get("X-Api-Key"))
	fromBearer := false
	if key == "" {
		authz := r.Header.Get("Authorization")
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return Principal{}, apierr.New(apierr.CodeAPIKeyRequired, 401, "an api key is required")
		}
		key = strings.TrimSpace(authz[len("Bearer "):])
		fromBearer = true
	}

	if s.MasterAPIKey != "" && crypto.ConstantTimeEqual(key, s.MasterAPIKey) {
		return Principal{AuthMethod: MethodMasterKey}, nil
	}

	p, err := s.verifyIssuedKey(ctx, key)
	if apiErr, ok := apierr.As(err); ok && apiErr.Code == apierr.CodeInvalidAPIKey && fromBearer && s.JWT.Secret != "" {
		return s.verifyBearer(ctx, key)
	}
	return p, err
}

func (s *Service) tryJWT(r *http.Request) (Principal, error) {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return s.verifyBearer(r.Context(), strings.TrimSpace(authz[len("Bearer "):]))
	}
	return Principal{}, apierr.New(apierr.CodeAPIKeyRequired, 401, "no credentials supplied")
}

func (s *Service) verifyBearer(ctx context.Context, token string) (Principal, error) {
	if s.JWT.Secret == "" {
		return Principal{}, apierr.New(apierr.CodeAPIKeyRequired, 401, "bearer auth is not configured")
	}
	claims, err := VerifyJWT(token, s.JWT, s.now())
	if err != nil {
		return Principal{}, apierr.New(apierr.CodeInvalidAPIKey, 401, "invalid bearer token")
	}
	return Principal{AgentID: claims.AgentID, AuthMethod: MethodJWT}, nil
}

func (s *Service) verifyIssuedKey(ctx context.Context, key string) (Principal, error) {
	hash := crypto.SHA256Hex([]byte(key))
	issued, err := s.Repository.GetIssuedKeyByHash(ctx, hash)
	if err != nil {
		return Principal{}, apierr.New(apierr.CodeInvalidAPIKey, 401, "unknown api key")
	}
	if !issued.Valid(s.now()) {
		return Principal{}, apierr.New(apierr.CodeInvalidAPIKey, 401, "api key is revoked or expired")
	}
	if issued.SingleUse {
		ok, err := s.Repository.BurnSingleUseKey(ctx, issued.KeyID, s.now())
		if err != nil {
			return Principal{}, apierr.Internal(err)
		}
		if !ok {
			return Principal{}, apierr.New(apierr.CodeEnrollmentTokenUsed, 403, "single-use key already consumed")
		}
	}
	return Principal{AuthMethod: MethodIssuedKey, IssuedKeyTarget: issued.TargetAgentID}, nil
}

// CheckEnrollmentScope implements spec.md §4.1 step 4: an issued key
// scoped to a target agent may only act on that agent; pathAgentID is
// the agent ID extracted from the request path.
func CheckEnrollmentScope(p Principal, pathAgentID string) error {
	if p.AuthMethod != MethodIssuedKey || p.IssuedKeyTarget == "" {
		return nil
	}
	if p.IssuedKeyTarget != pathAgentID {
		return apierr.New(apierr.CodeEnrollmentTokenScope, 403, "issued key is not scoped to this agent")
	}
	return nil
}

// AuthorizeTarget implements Stage B (spec.md §4.1): the caller must
// equal the target agent unless allowCrossAgent is set. Message send
// never reaches this check, since its target is named in the body.
func AuthorizeTarget(p Principal, targetAgentID string, allowCrossAgent bool) error {
	if allowCrossAgent {
		return nil
	}
	if p.AgentID == "" || p.AgentID != targetAgentID {
		return apierr.ErrForbidden
	}
	return nil
}
