package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
)

var (
	// ErrAppKeyNotConfigured indicates the app key is not set
	ErrAppKeyNotConfigured = errors.New("dispatch: app key is not configured")

	// ErrInvalidToken indicates token validation failed
	ErrInvalidToken = errors.New("dispatch: invalid auth token")
)

// AuthService generates and validates per-job HMAC tokens.
//
// The flow between the core API and the message router:
//  1. The scheduler enqueues a job with token = HMAC-SHA256(jobID, appKey)
//     in the MessagePointer.
//  2. The router calls back to /api/dispatch/process carrying the token as
//     the bearer credential.
//  3. The core API re-computes the HMAC and compares in constant time.
type AuthService struct {
	appKey string
}

// NewAuthService creates an auth service for the given app key
func NewAuthService(appKey string) *AuthService {
	return &AuthService{appKey: appKey}
}

// GenerateToken returns the hex-encoded HMAC-SHA256 token for a job id
func (s *AuthService) GenerateToken(jobID string) (string, error) {
	if s.appKey == "" {
		return "", ErrAppKeyNotConfigured
	}
	return hmacSHA256Hex(jobID, s.appKey), nil
}

// ValidateToken checks a token presented for a job id
func (s *AuthService) ValidateToken(jobID, token string) error {
	if jobID == "" || token == "" {
		return ErrInvalidToken
	}
	if s.appKey == "" {
		return ErrAppKeyNotConfigured
	}

	expected := hmacSHA256Hex(jobID, s.appKey)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(token)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// IsConfigured reports whether an app key is set
func (s *AuthService) IsConfigured() bool {
	return s.appKey != ""
}

func hmacSHA256Hex(data, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}
