// Package auth verifies developer identity on the management API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultIssuer is the issuer claim minted and expected when none is configured.
const DefaultIssuer = "agentpay"

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// Developer is an authenticated owner of agents.
type Developer struct {
	ID string
}

// Verifier maps a bearer token to a developer.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Developer, error)
}

// JWTVerifier validates HS256 tokens signed with a shared secret. The
// developer id is the sub claim.
type JWTVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTVerifier creates a verifier. An empty issuer means DefaultIssuer.
func NewJWTVerifier(secret, issuer string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &JWTVerifier{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Verify parses and validates token.
func (v *JWTVerifier) Verify(_ context.Context, token string) (*Developer, error) {
	var claims jwt.RegisteredClaims
	tok, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &Developer{ID: claims.Subject}, nil
}

// IssueToken mints a token for developerID valid for ttl.
func (v *JWTVerifier) IssueToken(developerID string, ttl time.Duration) (string, error) {
	if developerID == "" {
		return "", errors.New("developer id is required")
	}
	now := v.now()
	claims := jwt.RegisteredClaims{
		Subject:   developerID,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
