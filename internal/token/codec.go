// Package token mints and validates the gateway's short-lived bearer tokens.
// Tokens are self-contained HS256 JWTs carrying user identity, plan, and the
// staff flag; the signing secret never leaves the server.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	gateway "github.com/eugener/palantir/internal"
)

// DefaultLifetime bounds how long a minted token stays valid. Short by
// design: expiry drives the client-side refresh protocol.
const DefaultLifetime = 10 * time.Minute

var (
	// ErrExpired means the signature checked out but the token is past its
	// expiry. This is the only validation failure that tells the client to
	// refresh and retry.
	ErrExpired = errors.New("token expired")
	// ErrInvalid covers every other validation failure: bad signature,
	// malformed envelope, unexpected algorithm, garbage claims.
	ErrInvalid = errors.New("token invalid")
)

type tokenClaims struct {
	UserID  uint64 `json:"uid"`
	Plan    string `json:"plan"`
	IsStaff bool   `json:"staff,omitempty"`
	jwt.RegisteredClaims
}

// Codec signs and verifies gateway tokens with a shared secret.
type Codec struct {
	secret   []byte
	lifetime time.Duration
}

// NewCodec creates a Codec. A zero lifetime uses DefaultLifetime.
func NewCodec(secret string, lifetime time.Duration) *Codec {
	if lifetime == 0 {
		lifetime = DefaultLifetime
	}
	return &Codec{secret: []byte(secret), lifetime: lifetime}
}

// Mint issues a signed token for the given identity, valid from now until
// now + lifetime.
func (c *Codec) Mint(userID uint64, plan gateway.Plan, isStaff bool) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		UserID:  userID,
		Plan:    string(plan),
		IsStaff: isStaff,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.lifetime)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Validate verifies the signature and expiry of raw and returns the decoded
// claims. The signature outranks everything else: a tampered token is
// ErrInvalid even when its expiry has also passed, so a forged token can
// never trigger the client refresh path.
func (c *Codec) Validate(raw string) (*gateway.Claims, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return c.secret, nil
	})
	if err != nil {
		return nil, classifyError(err)
	}

	plan, ok := parsePlan(claims.Plan)
	if !ok {
		return nil, ErrInvalid
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return nil, ErrInvalid
	}

	return &gateway.Claims{
		UserID:    claims.UserID,
		Plan:      plan,
		IsStaff:   claims.IsStaff,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// classifyError reduces jwt validation errors to the two-outcome model the
// refresh protocol needs. Signature and structural failures are checked
// before expiry: jwt sets both bits on a tampered-and-expired token.
func classifyError(err error) error {
	var vErr *jwt.ValidationError
	if !errors.As(err, &vErr) {
		return ErrInvalid
	}
	const invalid = jwt.ValidationErrorMalformed |
		jwt.ValidationErrorUnverifiable |
		jwt.ValidationErrorSignatureInvalid
	if vErr.Errors&invalid != 0 {
		return ErrInvalid
	}
	if vErr.Errors&jwt.ValidationErrorExpired != 0 {
		return ErrExpired
	}
	return ErrInvalid
}

func parsePlan(s string) (gateway.Plan, bool) {
	switch gateway.Plan(s) {
	case gateway.PlanFree, gateway.PlanPro:
		return gateway.Plan(s), true
	default:
		return "", false
	}
}
