package standby

import (
	"context"
	"time"
)

// NoOpLockProvider is the single-instance LockProvider: every acquire and
// refresh succeeds, so the service promotes itself to PRIMARY immediately.
// Only for standalone deployments - with multiple instances it would
// promote all of them.
type NoOpLockProvider struct {
	instanceID string
}

// NewNoOpLockProvider creates a new no-op lock provider
func NewNoOpLockProvider(instanceID string) *NoOpLockProvider {
	return &NoOpLockProvider{
		instanceID: instanceID,
	}
}

// TryAcquire always succeeds
func (p *NoOpLockProvider) TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	return true, nil
}

// Refresh always succeeds
func (p *NoOpLockProvider) Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	return true, nil
}

// Release is a no-op
func (p *NoOpLockProvider) Release(ctx context.Context, key, instanceID string) error {
	return nil
}

// GetHolder returns this instance as the holder
func (p *NoOpLockProvider) GetHolder(ctx context.Context, key string) (string, error) {
	return p.instanceID, nil
}

// IsAvailable always returns true in no-op mode
func (p *NoOpLockProvider) IsAvailable(ctx context.Context) bool {
	return true
}

// Close is a no-op
func (p *NoOpLockProvider) Close() error {
	return nil
}
