package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// bearerClaims holds the JWT claims accepted by the additive bearer
// tier (SPEC_FULL.md domain stack: golang-jwt/jwt/v5). The subject is
// the agent id the bearer is acting as.
type bearerClaims struct {
	jwt.RegisteredClaims
}

// JWTClaims is the validated result of VerifyJWT.
type JWTClaims struct {
	AgentID string
}

// VerifyJWT parses and validates a bearer token against cfg, enforcing
// HMAC signing, optional issuer/audience, and expiry at now.
func VerifyJWT(tokenStr string, cfg JWTConfig, now time.Time) (JWTClaims, error) {
	if cfg.Secret == "" {
		return JWTClaims{}, fmt.Errorf("jwt bearer auth is not configured")
	}

	var opts []jwt.ParserOption
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	opts = append(opts, jwt.WithTimeFunc(func() time.Time { return now }))

	claims := &bearerClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(cfg.Secret), nil
	}, opts...)
	if err != nil {
		return JWTClaims{}, err
	}
	if !token.Valid || claims.Subject == "" {
		return JWTClaims{}, fmt.Errorf("invalid bearer token")
	}
	return JWTClaims{AgentID: claims.Subject}, nil
}

// NewBearerToken issues a signed bearer token for agentID, for use by
// enrollment flows and tests.
func NewBearerToken(agentID string, cfg JWTConfig, ttl time.Duration, now time.Time) (string, error) {
	if cfg.Secret == "" {
		return "", fmt.Errorf("jwt bearer auth is not configured")
	}
	claims := bearerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Secret))
}
