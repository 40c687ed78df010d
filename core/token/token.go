// Package token mints and verifies the bearer tokens that authenticate
// doctors (and registered users) to the HTTP surface and the socket join.
//
// Tokens are compact JWS envelopes signed with HMAC-SHA-256 under a single
// symmetric secret configured at startup. The coordinator never interprets
// the secret; it only calls Verify.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Principal kinds carried in the token's "kind" claim.
const (
	KindUser   = "user"
	KindDoctor = "doctor"
)

var (
	// ErrExpired means the token's signed expiry is in the past.
	ErrExpired = errors.New("token expired")
	// ErrInvalid means the token failed parsing or signature verification.
	ErrInvalid = errors.New("token invalid")
)

// Claims is the verified identity carried by a token.
type Claims struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Kind  string `json:"kind"`
	jwt.RegisteredClaims
}

// Verifier mints and verifies tokens under one symmetric secret.
type Verifier struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time // overridable for testing
}

// NewVerifier creates a Verifier. ttl applies to minted tokens only.
func NewVerifier(secret string, ttl time.Duration) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Mint issues a signed token for the given principal.
func (v *Verifier) Mint(kind, id, email string) (string, error) {
	now := v.now()
	claims := &Claims{
		ID:    id,
		Email: email,
		Kind:  kind,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify validates a bearer string and returns its claims. Returns ErrExpired
// for a well-formed token past its expiry and ErrInvalid for everything else.
func (v *Verifier) Verify(bearer string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(bearer, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return v.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}
	if claims.ID == "" || claims.Kind == "" {
		return nil, ErrInvalid
	}
	return claims, nil
}
