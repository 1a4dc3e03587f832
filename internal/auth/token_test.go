package auth

import (
	"errors"
	"testing"
	"time"
)

func newTestTokens(t *testing.T) Tokens {
	t.Helper()
	tokens, err := NewTokens("test-secret", "HS256", time.Hour)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	return tokens
}

func TestTokens_MintAndVerify(t *testing.T) {
	tokens := newTestTokens(t)

	raw, err := tokens.Mint("user_000001", "owner@example.com")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	claims, err := tokens.Verify(raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "user_000001" {
		t.Fatalf("UserID=%q", claims.UserID)
	}
	if claims.Email != "owner@example.com" {
		t.Fatalf("Email=%q", claims.Email)
	}
}

func TestTokens_RejectsExpired(t *testing.T) {
	tokens := newTestTokens(t)

	issued := time.Now()
	tokens.now = func() time.Time { return issued }
	raw, err := tokens.Mint("user_000001", "")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	tokens.now = func() time.Time { return issued.Add(2 * time.Hour) }
	if _, err := tokens.Verify(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestTokens_RejectsWrongSecret(t *testing.T) {
	tokens := newTestTokens(t)
	other, err := NewTokens("other-secret", "HS256", time.Hour)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}

	raw, err := other.Mint("user_000001", "")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := tokens.Verify(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestTokens_RejectsMalformedAndMissingSubject(t *testing.T) {
	tokens := newTestTokens(t)

	if _, err := tokens.Verify("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for malformed input, got %v", err)
	}

	// Token signed correctly but without a subject claim.
	noSub, err := NewTokens("test-secret", "HS256", time.Hour)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	raw, err := noSub.Mint("", "")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := tokens.Verify(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty subject, got %v", err)
	}
}

func TestNewTokens_RejectsNonHMAC(t *testing.T) {
	if _, err := NewTokens("secret", "RS256", time.Hour); err == nil {
		t.Fatalf("expected error for RS256")
	}
	if _, err := NewTokens("secret", "none", time.Hour); err == nil {
		t.Fatalf("expected error for none")
	}
}
