package token

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestNewService(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "default config", config: nil},
		{
			name: "custom config",
			config: &Config{
				TTL:          time.Hour,
				ReplayWindow: 2 * time.Minute,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewService(tt.config)
			if err != nil {
				t.Fatalf("NewService: %v", err)
			}
			if len(s.signingKey) != 32 {
				t.Errorf("expected 32-byte signing key, got %d bytes", len(s.signingKey))
			}
			if s.algorithm != jwt.SigningMethodHS256 {
				t.Errorf("expected HS256, got %v", s.algorithm)
			}
			if tt.config == nil && s.config.TTL != 24*time.Hour {
				t.Errorf("expected default TTL 24h, got %v", s.config.TTL)
			}
			if tt.config != nil && s.config.TTL != tt.config.TTL {
				t.Errorf("expected TTL %v, got %v", tt.config.TTL, s.config.TTL)
			}
		})
	}
}

func TestIssueAndVerify(t *testing.T) {
	s, err := NewService(nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	signed, err := s.Issue("rt-1", "view-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if strings.Count(signed, ".") != 2 {
		t.Fatalf("expected a three-part JWT, got %q", signed)
	}

	claims, err := s.Verify(signed)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.ViewID != "view-1" {
		t.Errorf("ViewID = %q, want view-1", claims.ViewID)
	}
	if claims.RuntimeID != "rt-1" {
		t.Errorf("RuntimeID = %q, want rt-1", claims.RuntimeID)
	}
	if claims.Nonce == "" {
		t.Error("expected a nonce")
	}
}

func TestVerifyRejectsReplay(t *testing.T) {
	s, err := NewService(nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	signed, err := s.Issue("rt-1", "view-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := s.Verify(signed); err != nil {
		t.Fatalf("first Verify: %v", err)
	}
	if _, err := s.Verify(signed); err == nil {
		t.Fatal("expected replay rejection on second Verify")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	s, err := NewService(&Config{TTL: -time.Minute, ReplayWindow: time.Minute})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	signed, err := s.Issue("rt-1", "view-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := s.Verify(signed); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestVerifyRejectsTampered(t *testing.T) {
	s, err := NewService(nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	signed, err := s.Issue("rt-1", "view-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	tampered := signed[:len(signed)-4] + "xxxx"
	if _, err := s.Verify(tampered); err == nil {
		t.Fatal("expected tampered token to be rejected")
	}
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	a, _ := NewService(nil)
	b, _ := NewService(nil)
	signed, err := a.Issue("rt-1", "view-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := b.Verify(signed); err == nil {
		t.Fatal("expected token from another service to be rejected")
	}
}

func TestRotateSigningKeyInvalidatesTokens(t *testing.T) {
	s, err := NewService(nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	signed, err := s.Issue("rt-1", "view-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := s.RotateSigningKey(); err != nil {
		t.Fatalf("RotateSigningKey: %v", err)
	}
	if _, err := s.Verify(signed); err == nil {
		t.Fatal("expected pre-rotation token to be rejected")
	}
}

func TestNonceStoreCleanup(t *testing.T) {
	ns := NewNonceStore()
	if !ns.Consume("a", time.Minute) {
		t.Fatal("first consume should succeed")
	}
	if ns.Consume("a", time.Minute) {
		t.Fatal("second consume inside window should fail")
	}
	ns.seen["a"] = time.Now().Add(-time.Hour)
	if got := ns.Cleanup(time.Minute); got != 1 {
		t.Errorf("Cleanup removed %d, want 1", got)
	}
	if !ns.Consume("a", time.Minute) {
		t.Fatal("consume after cleanup should succeed")
	}
}
