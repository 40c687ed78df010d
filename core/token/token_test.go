package token

import (
	"testing"
	"time"
)

func TestMintVerify_RoundTrip(t *testing.T) {
	v := NewVerifier("test-secret", time.Hour)
	bearer, err := v.Mint(KindDoctor, "doc-1", "doc@example.com")
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	claims, err := v.Verify(bearer)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.Kind != KindDoctor {
		t.Errorf("Kind = %q, want %q", claims.Kind, KindDoctor)
	}
	if claims.ID != "doc-1" {
		t.Errorf("ID = %q, want %q", claims.ID, "doc-1")
	}
	if claims.Email != "doc@example.com" {
		t.Errorf("Email = %q, want %q", claims.Email, "doc@example.com")
	}
}

func TestVerify_Expired(t *testing.T) {
	v := NewVerifier("test-secret", time.Minute)
	bearer, err := v.Mint(KindUser, "u-1", "u@example.com")
	if err != nil {
		t.Fatal(err)
	}

	// Move the verifier's clock past expiry.
	v.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := v.Verify(bearer); err != ErrExpired {
		t.Errorf("Verify err = %v, want ErrExpired", err)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	minter := NewVerifier("secret-a", time.Hour)
	bearer, err := minter.Mint(KindDoctor, "doc-1", "d@example.com")
	if err != nil {
		t.Fatal(err)
	}

	verifier := NewVerifier("secret-b", time.Hour)
	if _, err := verifier.Verify(bearer); err != ErrInvalid {
		t.Errorf("Verify err = %v, want ErrInvalid", err)
	}
}

func TestVerify_Garbage(t *testing.T) {
	v := NewVerifier("test-secret", time.Hour)
	for _, bearer := range []string{"", "not-a-token", "aa.bb.cc"} {
		if _, err := v.Verify(bearer); err != ErrInvalid {
			t.Errorf("Verify(%q) err = %v, want ErrInvalid", bearer, err)
		}
	}
}
