package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.flowcatalyst.tech/dispatcher/internal/common/secrets"
)

// Credentials are the per-target secrets used when delivering a webhook
type Credentials struct {
	// BearerToken is sent as the Authorization header, when set
	BearerToken string

	// HMACSecret signs the payload for the signature header, when set
	HMACSecret string
}

// Secret key layout under the provider:
//
//	dispatch/credentials/<id>/bearer_token
//	dispatch/credentials/<id>/hmac_secret
//
// Either key may be absent; a credential with neither is an error.
const credentialsKeyPrefix = "dispatch/credentials/"

// CredentialsResolver loads Credentials from the secrets provider chain
// with a small in-process cache so hot jobs don't hammer the backend
type CredentialsResolver struct {
	provider secrets.Provider
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cachedCredentials
}

type cachedCredentials struct {
	creds     *Credentials
	expiresAt time.Time
}

// NewCredentialsResolver creates a resolver over the given provider
func NewCredentialsResolver(provider secrets.Provider, cacheTTL time.Duration) *CredentialsResolver {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &CredentialsResolver{
		provider: provider,
		cacheTTL: cacheTTL,
		cache:    make(map[string]cachedCredentials),
	}
}

// Resolve returns the credentials for a credentialsId
func (r *CredentialsResolver) Resolve(ctx context.Context, credentialsID string) (*Credentials, error) {
	if credentialsID == "" {
		return &Credentials{}, nil
	}

	r.mu.Lock()
	if entry, ok := r.cache[credentialsID]; ok && time.Now().Before(entry.expiresAt) {
		r.mu.Unlock()
		return entry.creds, nil
	}
	r.mu.Unlock()

	prefix := credentialsKeyPrefix + credentialsID
	creds := &Credentials{}

	bearer, err := r.provider.Get(ctx, prefix+"/bearer_token")
	if err != nil && !errors.Is(err, secrets.ErrSecretNotFound) {
		return nil, fmt.Errorf("resolve bearer token for %s: %w", credentialsID, err)
	}
	creds.BearerToken = bearer

	secret, err := r.provider.Get(ctx, prefix+"/hmac_secret")
	if err != nil && !errors.Is(err, secrets.ErrSecretNotFound) {
		return nil, fmt.Errorf("resolve hmac secret for %s: %w", credentialsID, err)
	}
	creds.HMACSecret = secret

	if creds.BearerToken == "" && creds.HMACSecret == "" {
		return nil, fmt.Errorf("no credentials found for %s", credentialsID)
	}

	r.mu.Lock()
	r.cache[credentialsID] = cachedCredentials{
		creds:     creds,
		expiresAt: time.Now().Add(r.cacheTTL),
	}
	r.mu.Unlock()

	return creds, nil
}

// Invalidate drops a cached credential, forcing a re-read on next resolve
func (r *CredentialsResolver) Invalidate(credentialsID string) {
	r.mu.Lock()
	delete(r.cache, credentialsID)
	r.mu.Unlock()
}
