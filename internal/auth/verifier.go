// Package auth verifies handshake tokens at the relay boundary. Token
// issuance belongs to the marketplace's account service; the relay only
// checks that a presented token authenticates the claimed identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrIdentityMismatch = errors.New("token does not authenticate claimed identity")
)

// Identity is the authenticated principal extracted from a token.
type Identity struct {
	// Subject is the user identity (tutor or student id).
	Subject string
	// Role is the marketplace role claim, when present: "tutor" or
	// "student".
	Role string
}

// TokenVerifier checks that a handshake token authenticates the identity
// the client claims.
type TokenVerifier interface {
	Verify(ctx context.Context, token, claimedIdentity string) (*Identity, error)
}

// JWTVerifier validates HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
	skew     time.Duration
}

// JWTConfig configures the verifier. Issuer and Audience are enforced
// only when non-empty.
type JWTConfig struct {
	Secret    string
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

// NewJWTVerifier builds a verifier from the shared secret.
func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("jwt secret required")
	}
	return &JWTVerifier{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		skew:     cfg.ClockSkew,
	}, nil
}

// Claims carries the registered claims plus the marketplace role.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verify parses and validates the token and checks its subject against
// the claimed identity.
func (v *JWTVerifier) Verify(_ context.Context, token, claimedIdentity string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.skew),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return nil, ErrInvalidToken
	}
	if subject != claimedIdentity {
		return nil, ErrIdentityMismatch
	}
	return &Identity{Subject: subject, Role: claims.Role}, nil
}

// Mint issues a signed token for the given identity. Used by tests and
// local development tooling; production tokens come from the account
// service.
func (v *JWTVerifier) Mint(identity, role string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(identity) == "" {
		return "", errors.New("identity required")
	}
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  identity,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	if v.issuer != "" {
		claims.Issuer = v.issuer
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// InsecureVerifier accepts any non-empty token for the claimed identity.
// Local development only; never wire it in production configuration.
type InsecureVerifier struct{}

func (InsecureVerifier) Verify(_ context.Context, token, claimedIdentity string) (*Identity, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claimedIdentity) == "" {
		return nil, ErrIdentityMismatch
	}
	return &Identity{Subject: claimedIdentity}, nil
}
