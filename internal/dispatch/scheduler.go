package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/dispatcher/internal/common/leader"
	"go.flowcatalyst.tech/dispatcher/internal/common/metrics"
)

// SchedulerConfig holds dispatch scheduling settings
type SchedulerConfig struct {
	// PollInterval is how often due jobs are claimed (default: 5s)
	PollInterval time.Duration

	// BatchSize is the maximum jobs claimed per poll (default: 100)
	BatchSize int

	// StaleThreshold is how long a job may sit IN_FLIGHT before it is
	// assumed lost and returned to PENDING (default: 15m)
	StaleThreshold time.Duration

	// MaintenanceInterval is how often expiry and stale recovery run
	// (default: 60s)
	MaintenanceInterval time.Duration
}

// DefaultSchedulerConfig returns sensible defaults
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		PollInterval:        5 * time.Second,
		BatchSize:           100,
		StaleThreshold:      15 * time.Minute,
		MaintenanceInterval: 60 * time.Second,
	}
}

func (c *SchedulerConfig) normalize() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 15 * time.Minute
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 60 * time.Second
	}
}

// Scheduler claims due PENDING jobs and enqueues their pointers, and runs
// the expiry / stale-recovery maintenance loop. When an elector is
// attached only the leader instance does either.
type Scheduler struct {
	config   *SchedulerConfig
	repo     Repository
	enqueuer *Enqueuer

	elector   leader.Elector
	isPrimary atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// NewScheduler creates a dispatch scheduler
func NewScheduler(repo Repository, enqueuer *Enqueuer, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	config.normalize()

	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		config:   config,
		repo:     repo,
		enqueuer: enqueuer,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.isPrimary.Store(true)
	return s
}

// WithElector attaches a leader elector; followers idle until promoted
func (s *Scheduler) WithElector(elector leader.Elector) *Scheduler {
	if elector == nil {
		return s
	}

	s.elector = elector
	s.isPrimary.Store(false)

	elector.OnBecomeLeader(func() {
		s.isPrimary.Store(true)
		slog.Info("Dispatch scheduler became primary",
			"instanceId", elector.InstanceID())
	})
	elector.OnLoseLeadership(func() {
		s.isPrimary.Store(false)
		slog.Warn("Dispatch scheduler lost primary status",
			"instanceId", elector.InstanceID())
	})

	return s
}

// Start launches the polling and maintenance loops
func (s *Scheduler) Start() {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()

	if s.running {
		return
	}
	s.running = true

	if s.elector != nil {
		if err := s.elector.Start(s.ctx); err != nil {
			slog.Error("Failed to start scheduler leader election", "error", err)
		}
	}

	s.wg.Add(2)
	go s.pollLoop()
	go s.maintenanceLoop()

	slog.Info("Dispatch scheduler started",
		"pollInterval", s.config.PollInterval,
		"batchSize", s.config.BatchSize,
		"leaderElection", s.elector != nil)
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.runningMu.Lock()
	if !s.running {
		s.runningMu.Unlock()
		return
	}
	s.running = false
	s.runningMu.Unlock()

	s.cancel()
	s.wg.Wait()

	if s.elector != nil {
		s.elector.Stop()
	}

	slog.Info("Dispatch scheduler stopped")
}

// IsPrimary reports whether this instance currently schedules
func (s *Scheduler) IsPrimary() bool {
	return s.isPrimary.Load()
}

func (s *Scheduler) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.pollOnce()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

// pollOnce claims one batch of due jobs and enqueues their pointers.
// Jobs that fail to publish go straight back to PENDING so the next poll
// retries them.
func (s *Scheduler) pollOnce() {
	if !s.isPrimary.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	claimed, err := s.repo.ClaimDue(ctx, s.config.BatchSize)
	if err != nil {
		slog.Error("Failed to claim due dispatch jobs", "error", err)
	}
	if len(claimed) == 0 {
		return
	}

	published, err := s.enqueuer.EnqueueBatch(ctx, claimed)
	if err != nil {
		slog.Error("Failed to enqueue dispatch batch", "error", err)
	}

	metrics.SchedulerJobsEnqueued.Add(float64(len(published)))

	publishedSet := make(map[string]struct{}, len(published))
	for _, id := range published {
		publishedSet[id] = struct{}{}
	}
	for _, job := range claimed {
		if _, ok := publishedSet[job.ID]; ok {
			continue
		}
		if resetErr := s.repo.ResetToPending(ctx, job.ID, time.Now()); resetErr != nil {
			slog.Error("Failed to reset unpublished dispatch job",
				"error", resetErr, "jobId", job.ID)
		}
	}

	slog.Debug("Dispatch poll finished",
		"claimed", len(claimed),
		"published", len(published))
}

func (s *Scheduler) maintenanceLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !s.isPrimary.Load() {
				continue
			}
			s.runMaintenance()
		}
	}
}

// runMaintenance expires overdue jobs and recovers stale in-flight ones
func (s *Scheduler) runMaintenance() {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	expired, err := s.repo.ExpireOverdue(ctx)
	if err != nil {
		slog.Error("Failed to expire overdue dispatch jobs", "error", err)
	} else if expired > 0 {
		metrics.SchedulerJobsExpired.Add(float64(expired))
		slog.Warn("Expired overdue dispatch jobs", "count", expired)
	}

	recovered, err := s.repo.RecoverStale(ctx, s.config.StaleThreshold)
	if err != nil {
		slog.Error("Failed to recover stale dispatch jobs", "error", err)
	} else if recovered > 0 {
		slog.Warn("Recovered stale in-flight dispatch jobs",
			"count", recovered,
			"threshold", s.config.StaleThreshold)
	}
}
