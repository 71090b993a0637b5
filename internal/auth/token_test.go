package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	token, err := Issue("secret", "user-42", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	sub, err := NewVerifier("secret").Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if sub != "user-42" {
		t.Fatalf("expected subject user-42, got %s", sub)
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	expired, err := Issue("secret", "user-42", -time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	wrongKey, err := Issue("other", "user-42", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	noSubject, err := Issue("secret", "", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	v := NewVerifier("secret")
	for name, token := range map[string]string{
		"expired":    expired,
		"wrong key":  wrongKey,
		"no subject": noSubject,
		"garbage":    "not.a.jwt",
	} {
		if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}
