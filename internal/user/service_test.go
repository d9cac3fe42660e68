package user

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewService(nil, "test-secret")

	token, err := svc.IssueToken(42, "alice")
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}

	id, username, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate token failed: %v", err)
	}
	if id != 42 || username != "alice" {
		t.Fatalf("claims mangled: id=%d username=%q", id, username)
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	issuer := NewService(nil, "one-secret")
	verifier := NewService(nil, "another-secret")

	token, err := issuer.IssueToken(1, "alice")
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}

	if _, _, err := verifier.ValidateToken(token); err == nil {
		t.Fatal("expected validation to fail across secrets")
	}
}

func TestValidateTokenRejectsTampering(t *testing.T) {
	svc := NewService(nil, "test-secret")

	token, err := svc.IssueToken(1, "alice")
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}

	// Flip a character in the payload segment.
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape: %q", token)
	}
	payload := []byte(parts[1])
	if payload[0] == 'A' {
		payload[0] = 'B'
	} else {
		payload[0] = 'A'
	}
	tampered := parts[0] + "." + string(payload) + "." + parts[2]

	if _, _, err := svc.ValidateToken(tampered); err == nil {
		t.Fatal("expected tampered token to be rejected")
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	svc := NewService(nil, "test-secret")
	if _, _, err := svc.ValidateToken("not-a-token"); err == nil {
		t.Fatal("expected garbage token to be rejected")
	}
}

func TestRegisterRequiresCredentials(t *testing.T) {
	svc := NewService(nil, "test-secret")
	ctx := context.Background()

	for _, creds := range []*Credentials{
		{Username: "", Password: "pw"},
		{Username: "alice", Password: ""},
	} {
		if _, err := svc.Register(ctx, creds); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("expected ErrInvalidCredentials for %+v, got %v", creds, err)
		}
	}
}
