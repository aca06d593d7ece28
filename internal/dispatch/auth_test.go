package dispatch

import (
	"errors"
	"testing"
)

func TestGenerateTokenDeterministic(t *testing.T) {
	svc := NewAuthService("test-app-key")

	token1, err := svc.GenerateToken("job-123")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	token2, err := svc.GenerateToken("job-123")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if token1 != token2 {
		t.Error("same job id must produce the same token")
	}
	if len(token1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(token1))
	}
}

func TestGenerateTokenDiffersPerJob(t *testing.T) {
	svc := NewAuthService("test-app-key")

	token1, _ := svc.GenerateToken("job-1")
	token2, _ := svc.GenerateToken("job-2")
	if token1 == token2 {
		t.Error("different job ids must produce different tokens")
	}
}

func TestValidateToken(t *testing.T) {
	svc := NewAuthService("test-app-key")

	token, _ := svc.GenerateToken("job-123")
	if err := svc.ValidateToken("job-123", token); err != nil {
		t.Errorf("valid token rejected: %v", err)
	}

	if err := svc.ValidateToken("job-123", "wrong-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
	if err := svc.ValidateToken("job-other", token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("token for another job must fail, got %v", err)
	}
	if err := svc.ValidateToken("", token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("empty job id must fail, got %v", err)
	}
	if err := svc.ValidateToken("job-123", ""); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("empty token must fail, got %v", err)
	}
}

func TestAuthServiceUnconfigured(t *testing.T) {
	svc := NewAuthService("")

	if svc.IsConfigured() {
		t.Error("empty app key must report unconfigured")
	}
	if _, err := svc.GenerateToken("job-1"); !errors.Is(err, ErrAppKeyNotConfigured) {
		t.Errorf("expected ErrAppKeyNotConfigured, got %v", err)
	}
	if err := svc.ValidateToken("job-1", "token"); !errors.Is(err, ErrAppKeyNotConfigured) {
		t.Errorf("expected ErrAppKeyNotConfigured, got %v", err)
	}
}
