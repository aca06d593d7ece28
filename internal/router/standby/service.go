// Package standby provides high-availability failover via a distributed
// lock. Instances compete for the lock; the holder runs as PRIMARY and
// processes messages, the rest wait in STANDBY and take over when the
// holder's lock expires.
package standby

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.flowcatalyst.tech/dispatcher/internal/router/health"
)

// Role is this instance's position in the election
type Role string

const (
	RolePrimary Role = "PRIMARY"
	RoleStandby Role = "STANDBY"
	RoleUnknown Role = "UNKNOWN"
)

// Config holds standby mode configuration
type Config struct {
	Enabled bool

	// InstanceID uniquely identifies this instance (auto-generated if empty)
	InstanceID string

	// LockKey is the distributed lock key
	LockKey string

	// LockTTL is how long the lock lives without a refresh
	LockTTL time.Duration

	// RefreshInterval is how often the holder refreshes and standbys retry
	RefreshInterval time.Duration

	// RedisURL is the lock backend connection URL
	RedisURL string
}

// DefaultConfig returns standby defaults
func DefaultConfig() *Config {
	return &Config{
		Enabled:         false,
		LockKey:         "flowcatalyst:router:leader",
		LockTTL:         30 * time.Second,
		RefreshInterval: 10 * time.Second,
	}
}

// Callbacks are invoked on role transitions
type Callbacks struct {
	OnBecomePrimary func()
	OnBecomeStandby func()
}

// LockProvider is a distributed lock backend
type LockProvider interface {
	// TryAcquire attempts to take the lock; true if this instance now holds it
	TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error)

	// Refresh extends the TTL; false means the lock was lost
	Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error)

	// Release drops the lock if this instance holds it
	Release(ctx context.Context, key, instanceID string) error

	// GetHolder returns the instance ID currently holding the lock
	GetHolder(ctx context.Context, key string) (string, error)

	// IsAvailable reports whether the backend is reachable
	IsAvailable(ctx context.Context) bool

	Close() error
}

// Service runs the leader election loop and reports standby status
type Service struct {
	config    *Config
	callbacks *Callbacks

	mu                    sync.RWMutex
	instanceID            string
	role                  Role
	backendAvailable      bool
	currentLockHolder     string
	lastSuccessfulRefresh time.Time
	warningMessage        string

	lockProvider LockProvider

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a standby service
func NewService(config *Config, callbacks *Callbacks) *Service {
	if config == nil {
		config = DefaultConfig()
	}

	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		config:     config,
		callbacks:  callbacks,
		instanceID: instanceID,
		role:       RoleUnknown,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetLockProvider sets the distributed lock backend
func (s *Service) SetLockProvider(provider LockProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockProvider = provider
}

// Start begins leader election, or promotes immediately when disabled
func (s *Service) Start() error {
	if !s.config.Enabled {
		slog.Info("Standby mode disabled - running as standalone PRIMARY")
		s.transition(RolePrimary)
		return nil
	}

	slog.Info("Starting standby service with leader election",
		"instanceId", s.instanceID,
		"lockKey", s.config.LockKey,
		"lockTTL", s.config.LockTTL,
		"refreshInterval", s.config.RefreshInterval)

	s.electionStep()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.config.RefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.electionStep()
			}
		}
	}()

	return nil
}

// Stop halts the election loop and releases a held lock
func (s *Service) Stop() {
	slog.Info("Stopping standby service", "instanceId", s.instanceID)

	s.cancel()
	s.wg.Wait()

	s.mu.RLock()
	role := s.role
	provider := s.lockProvider
	s.mu.RUnlock()

	if role == RolePrimary && provider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := provider.Release(ctx, s.config.LockKey, s.instanceID); err != nil {
			slog.Warn("Failed to release lock during shutdown", "error", err)
		} else {
			slog.Info("Released leader lock")
		}
	}

	if provider != nil {
		provider.Close()
	}
}

// electionStep refreshes the lock when primary or tries to take it when not
func (s *Service) electionStep() {
	s.mu.RLock()
	provider := s.lockProvider
	role := s.role
	s.mu.RUnlock()

	if provider == nil {
		slog.Warn("No lock provider configured - running as standalone")
		s.transition(RolePrimary)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	available := provider.IsAvailable(ctx)
	s.mu.Lock()
	s.backendAvailable = available
	s.mu.Unlock()

	if !available {
		// A primary keeps processing on a lock-backend outage; the TTL
		// protects against split brain once the backend returns
		slog.Warn("Lock backend not available - maintaining current role")
		s.setWarning("lock backend unavailable")
		return
	}

	if role == RolePrimary {
		s.refreshAsPrimary(ctx, provider)
	} else {
		s.tryBecomePrimary(ctx, provider, role)
	}
}

func (s *Service) refreshAsPrimary(ctx context.Context, provider LockProvider) {
	refreshed, err := provider.Refresh(ctx, s.config.LockKey, s.instanceID, s.config.LockTTL)
	if err != nil {
		slog.Error("Error refreshing lock", "error", err)
		s.setWarning("lock refresh error: " + err.Error())
		return
	}

	if !refreshed {
		slog.Warn("Lost leader lock - transitioning to STANDBY")
		s.transition(RoleStandby)
		s.recordLockHolder(ctx, provider)
		return
	}

	s.mu.Lock()
	s.lastSuccessfulRefresh = time.Now()
	s.warningMessage = ""
	s.mu.Unlock()
}

func (s *Service) tryBecomePrimary(ctx context.Context, provider LockProvider, previousRole Role) {
	acquired, err := provider.TryAcquire(ctx, s.config.LockKey, s.instanceID, s.config.LockTTL)
	if err != nil {
		slog.Error("Error acquiring lock", "error", err)
		s.setWarning("lock acquisition error: " + err.Error())
		s.recordLockHolder(ctx, provider)
		return
	}

	if acquired {
		slog.Info("Acquired leader lock - transitioning to PRIMARY")
		s.transition(RolePrimary)
		s.mu.Lock()
		s.lastSuccessfulRefresh = time.Now()
		s.currentLockHolder = s.instanceID
		s.warningMessage = ""
		s.mu.Unlock()
		return
	}

	s.recordLockHolder(ctx, provider)
	if previousRole == RoleUnknown {
		s.transition(RoleStandby)
	}
}

// transition updates the role and fires the matching callback
func (s *Service) transition(role Role) {
	s.mu.Lock()
	oldRole := s.role
	s.role = role
	s.mu.Unlock()

	if oldRole == role {
		return
	}

	slog.Info("Role changed",
		"instanceId", s.instanceID,
		"oldRole", string(oldRole),
		"newRole", string(role))

	if s.callbacks == nil {
		return
	}

	switch role {
	case RolePrimary:
		if s.callbacks.OnBecomePrimary != nil {
			s.callbacks.OnBecomePrimary()
		}
	case RoleStandby:
		if s.callbacks.OnBecomeStandby != nil {
			s.callbacks.OnBecomeStandby()
		}
	}
}

func (s *Service) setWarning(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warningMessage = message
}

func (s *Service) recordLockHolder(ctx context.Context, provider LockProvider) {
	holder, err := provider.GetHolder(ctx, s.config.LockKey)
	if err != nil {
		slog.Debug("Failed to get current lock holder", "error", err)
		return
	}

	s.mu.Lock()
	s.currentLockHolder = holder
	s.mu.Unlock()
}

// IsPrimary reports whether this instance currently leads
func (s *Service) IsPrimary() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role == RolePrimary
}

// IsStandby reports whether this instance is waiting to lead
func (s *Service) IsStandby() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role == RoleStandby
}

// GetRole returns the current role
func (s *Service) GetRole() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// GetInstanceID returns the instance ID
func (s *Service) GetInstanceID() string {
	return s.instanceID
}

// IsEnabled reports whether standby mode is configured on
func (s *Service) IsEnabled() bool {
	return s.config.Enabled
}

// GetStatus returns the standby view served by the monitoring API
func (s *Service) GetStatus() *health.StandbyStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lastRefresh string
	if !s.lastSuccessfulRefresh.IsZero() {
		lastRefresh = s.lastSuccessfulRefresh.Format(time.RFC3339)
	}

	return &health.StandbyStatus{
		StandbyEnabled:        s.config.Enabled,
		InstanceID:            s.instanceID,
		Role:                  string(s.role),
		RedisAvailable:        s.backendAvailable,
		CurrentLockHolder:     s.currentLockHolder,
		LastSuccessfulRefresh: lastRefresh,
		HasWarning:            s.warningMessage != "",
	}
}
