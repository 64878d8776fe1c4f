// Package jwt issues and validates the HS256 bearer tokens that identify
// users of the document API.
package jwt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
)

// ErrInvalidToken is returned for any token that fails validation.
var ErrInvalidToken = errors.New("invalid token")

// Generator is responsible for signing and validating JWTs.
type Generator struct {
	key    Key
	issuer string
	ttl    time.Duration
}

// NewGenerator constructs a JWT generator. An empty issuer disables the
// issuer check.
func NewGenerator(key Key, issuer string, ttl time.Duration) *Generator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Generator{key: key, issuer: strings.TrimSpace(issuer), ttl: ttl}
}

// WithTTL returns a copy of g that issues tokens valid for ttl.
func (g *Generator) WithTTL(ttl time.Duration) *Generator {
	return NewGenerator(g.key, g.issuer, ttl)
}

// AccessTokenClaims represent the custom JWT payload.
type AccessTokenClaims struct {
	Email string `json:"email,omitempty"`
	Scope string `json:"scope,omitempty"`
}

// Issue signs a token for subject valid from now.
func (g *Generator) Issue(subject string, custom AccessTokenClaims, now time.Time) (string, error) {
	signer, err := gojose.NewSigner(
		gojose.SigningKey{Algorithm: gojose.HS256, Key: g.key.Secret},
		(&gojose.SignerOptions{}).WithType("JWT").WithHeader("kid", g.key.KID),
	)
	if err != nil {
		return "", fmt.Errorf("new signer: %w", err)
	}

	std := gojwt.Claims{
		Subject:   subject,
		Issuer:    g.issuer,
		IssuedAt:  gojwt.NewNumericDate(now),
		Expiry:    gojwt.NewNumericDate(now.Add(g.ttl)),
		NotBefore: gojwt.NewNumericDate(now),
	}

	token, err := gojwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize jwt: %w", err)
	}
	return token, nil
}

// Validate checks signature, expiry and issuer and returns the claims.
func (g *Generator) Validate(token string, now time.Time) (*gojwt.Claims, *AccessTokenClaims, error) {
	parsed, err := gojwt.ParseSigned(token, []gojose.SignatureAlgorithm{gojose.HS256})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parse: %w", ErrInvalidToken, err)
	}

	var std gojwt.Claims
	var custom AccessTokenClaims
	if err := parsed.Claims(g.key.Secret, &std, &custom); err != nil {
		return nil, nil, fmt.Errorf("%w: verify: %w", ErrInvalidToken, err)
	}

	if err := std.ValidateWithLeeway(gojwt.Expected{Issuer: g.issuer, Time: now}, time.Minute); err != nil {
		return nil, nil, fmt.Errorf("%w: claims: %w", ErrInvalidToken, err)
	}
	if strings.TrimSpace(std.Subject) == "" {
		return nil, nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return &std, &custom, nil
}
