package admission

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Issuer is the iss claim of vote tokens.
	Issuer = "helm-quorum"
	// Audience is the aud claim of vote tokens.
	Audience = "quorum.votes"
)

// Claims identifies a voting agent. The subject is the agent id.
type Claims struct {
	jwt.RegisteredClaims
	// Proposals optionally restricts the token to specific proposal ids.
	Proposals []string `json:"proposals,omitempty"`
}

// Allows reports whether the token may be used on proposalID.
func (c *Claims) Allows(proposalID string) bool {
	if len(c.Proposals) == 0 {
		return true
	}
	for _, p := range c.Proposals {
		if p == proposalID {
			return true
		}
	}
	return false
}

// TokenIssuer mints and verifies HS256 vote tokens.
type TokenIssuer struct {
	secret []byte
	clock  func() time.Time
}

// NewTokenIssuer creates an issuer. The secret must be at least 32 bytes.
func NewTokenIssuer(secret []byte) (*TokenIssuer, error) {
	if len(secret) < 32 {
		return nil, errors.New("admission: token secret must be at least 32 bytes")
	}
	return &TokenIssuer{secret: secret, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (ti *TokenIssuer) WithClock(clock func() time.Time) *TokenIssuer {
	ti.clock = clock
	return ti
}

// Issue creates a token for agentID valid for ttl, optionally restricted to
// the given proposals.
func (ti *TokenIssuer) Issue(agentID string, ttl time.Duration, proposals ...string) (string, error) {
	now := ti.clock().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Proposals: proposals,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("admission: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token.
func (ti *TokenIssuer) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(*jwt.Token) (interface{}, error) { return ti.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ti.clock),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: empty subject", jwt.ErrTokenInvalidClaims)
	}
	return claims, nil
}
