package httpapi

import (
	"errors"
	"strings"
	"testing"
	"time"

	"kasirsync/internal/domain"
)

func TestAuthManagerIssuesTerminalToken(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "enroll-key", "admin-key")

	resp, err := manager.IssueToken(domain.TokenRequest{TerminalID: "till-1", EnrollmentKey: "enroll-key"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if resp.Role != domain.RoleTerminal {
		t.Fatalf("expected terminal role, got %q", resp.Role)
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Subject != "till-1" || actor.Role != domain.RoleTerminal {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestAuthManagerIssuesAdminToken(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "enroll-key", "admin-key")

	resp, err := manager.IssueToken(domain.TokenRequest{EnrollmentKey: "admin-key"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Role != domain.RoleAdmin {
		t.Fatalf("expected admin role, got %q", actor.Role)
	}
}

func TestAuthManagerRejectsBadKeys(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "enroll-key", "")

	cases := []domain.TokenRequest{
		{TerminalID: "till-1", EnrollmentKey: "wrong"},
		{TerminalID: "till-1", EnrollmentKey: ""},
		// An unset admin key must not match the empty string.
		{EnrollmentKey: " "},
	}
	for _, req := range cases {
		if _, err := manager.IssueToken(req); !errors.Is(err, errInvalidCredentials) {
			t.Fatalf("expected invalid credentials for %+v, got %v", req, err)
		}
	}
}

func TestAuthManagerValidatesTerminalID(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "enroll-key", "")

	for _, id := range []string{"", "till 1", "till/1", strings.Repeat("x", maxTerminalIDLength+1)} {
		_, err := manager.IssueToken(domain.TokenRequest{TerminalID: id, EnrollmentKey: "enroll-key"})
		if err == nil || errors.Is(err, errInvalidCredentials) {
			t.Fatalf("expected terminal id validation error for %q, got %v", id, err)
		}
	}
}

func TestParseTokenRejectsForeignSecretAndExpiry(t *testing.T) {
	issuer := NewAuthManager("secret-a", time.Hour, "enroll-key", "")
	verifier := NewAuthManager("secret-b", time.Hour, "enroll-key", "")

	resp, err := issuer.IssueToken(domain.TokenRequest{TerminalID: "till-1", EnrollmentKey: "enroll-key"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, err := verifier.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}

	expired, err := issuer.sign("till-1", domain.RoleTerminal, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := issuer.ParseToken(expired); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestParseTokenRejectsUnknownRole(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "enroll-key", "")
	token, err := manager.sign("someone", "cashier", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(token); err == nil {
		t.Fatalf("expected unknown role to be rejected")
	}
}
