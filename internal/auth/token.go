package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// TokenClaims is the decoded payload of an app bearer token. Subject is the
// user id; Email is informational.
type TokenClaims struct {
	UserID string
	Email  string
}

// Tokens mints and verifies the HS-family bearer tokens used by mobile apps.
type Tokens struct {
	secret    []byte
	method    jwt.SigningMethod
	algorithm string
	lifetime  time.Duration
	now       func() time.Time
}

func NewTokens(secret, algorithm string, lifetime time.Duration) (Tokens, error) {
	method := jwt.GetSigningMethod(algorithm)
	if method == nil {
		return Tokens{}, fmt.Errorf("unsupported jwt algorithm %q", algorithm)
	}
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return Tokens{}, fmt.Errorf("jwt algorithm %q is not an HMAC method", algorithm)
	}
	return Tokens{
		secret:    []byte(secret),
		method:    method,
		algorithm: algorithm,
		lifetime:  lifetime,
		now:       time.Now,
	}, nil
}

// Mint issues a signed access token for userID.
func (t Tokens) Mint(userID, email string) (string, error) {
	now := t.now().UTC()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(t.lifetime).Unix(),
	}
	if email != "" {
		claims["email"] = email
	}
	return jwt.NewWithClaims(t.method, claims).SignedString(t.secret)
}

// Verify validates a token and returns its claims. Any failure (expired,
// malformed, wrong algorithm, bad signature, missing subject) yields
// ErrInvalidToken.
func (t Tokens) Verify(token string) (TokenClaims, error) {
	parsed, err := jwt.Parse(
		token,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{t.algorithm}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return TokenClaims{}, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return TokenClaims{}, ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return TokenClaims{}, ErrInvalidToken
	}
	email, _ := claims["email"].(string)

	return TokenClaims{UserID: sub, Email: email}, nil
}
