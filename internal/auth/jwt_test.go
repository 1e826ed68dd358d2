package auth

import (
	"errors"
	"testing"
	"time"

	"telecom-callflow/internal/config"
)

func newManager(t *testing.T, cfg config.AuthConfig) *Manager {
	t.Helper()
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "secret"
	}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return m
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	m := newManager(t, config.AuthConfig{
		JWTIssuer:       "issuer",
		JWTAudience:     "aud",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	})

	now := time.Unix(1700000000, 0).UTC()
	pair, err := m.IssuePair(now, Identity{UserID: "user-1", WorkspaceID: "ws-1", Role: "analyst"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected token strings")
	}

	id, err := m.VerifyAccess(pair.AccessToken, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id != (Identity{UserID: "user-1", WorkspaceID: "ws-1", Role: "analyst"}) {
		t.Fatalf("unexpected identity: %+v", id)
	}

	refresh, err := m.Verify(pair.RefreshToken, TokenTypeRefresh, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify refresh: %v", err)
	}
	if refresh.Role != "" {
		t.Fatalf("refresh token must not carry a role, got %q", refresh.Role)
	}
}

func TestVerifyRejectsWrongTokenType(t *testing.T) {
	m := newManager(t, config.AuthConfig{AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	now := time.Now()
	p, err := m.IssuePair(now, Identity{UserID: "u", WorkspaceID: "w", Role: "r"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(p.RefreshToken, TokenTypeAccess, now); !errors.Is(err, ErrTokenType) {
		t.Fatalf("expected ErrTokenType, got %v", err)
	}
}

func TestVerifyRejectsExpiredAndForeignTokens(t *testing.T) {
	m := newManager(t, config.AuthConfig{JWTIssuer: "issuer", AccessTokenTTL: time.Minute})
	now := time.Unix(1700000000, 0).UTC()
	p, err := m.IssuePair(now, Identity{UserID: "u", WorkspaceID: "w", Role: "owner"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Within skew is fine; past it is not.
	if _, err := m.VerifyAccess(p.AccessToken, now.Add(time.Minute+10*time.Second)); err != nil {
		t.Fatalf("expected token within clock skew to verify: %v", err)
	}
	if _, err := m.VerifyAccess(p.AccessToken, now.Add(2*time.Minute)); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}

	other := newManager(t, config.AuthConfig{JWTSecret: "other", JWTIssuer: "issuer"})
	if _, err := other.VerifyAccess(p.AccessToken, now); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
	wrongIssuer := newManager(t, config.AuthConfig{JWTIssuer: "someone-else"})
	if _, err := wrongIssuer.VerifyAccess(p.AccessToken, now); err == nil {
		t.Fatalf("expected issuer mismatch to be rejected")
	}
}

func TestIssuePairRequiresIdentity(t *testing.T) {
	m := newManager(t, config.AuthConfig{})
	if _, err := m.IssuePair(time.Now(), Identity{UserID: "u", WorkspaceID: "w"}); !errors.Is(err, ErrMissingClaims) {
		t.Fatalf("expected ErrMissingClaims, got %v", err)
	}
	if _, err := NewManager(config.AuthConfig{}); err == nil {
		t.Fatalf("expected missing secret to be rejected")
	}
}
