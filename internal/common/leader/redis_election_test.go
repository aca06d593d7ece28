package leader

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestElector(t *testing.T, mr *miniredis.Miniredis, instanceID string) *RedisLeaderElector {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisLeaderElector(client, &RedisElectorConfig{
		InstanceID:      instanceID,
		LockName:        "test-leader",
		TTL:             30 * time.Second,
		RefreshInterval: 10 * time.Second,
	})
}

func TestRedisElectorAcquire(t *testing.T) {
	mr := miniredis.RunT(t)
	e := newTestElector(t, mr, "instance-1")
	ctx := context.Background()

	if e.IsPrimary() {
		t.Error("Elector should not be primary before acquiring")
	}

	if !e.tryAcquire(ctx) {
		t.Fatal("Expected first acquire to succeed")
	}

	owner, err := e.GetCurrentLeader(ctx)
	if err != nil {
		t.Fatalf("GetCurrentLeader: %v", err)
	}
	if owner != "instance-1" {
		t.Errorf("Expected instance-1 to hold the lock, got %q", owner)
	}
}

func TestRedisElectorSecondInstanceBlocked(t *testing.T) {
	mr := miniredis.RunT(t)
	e1 := newTestElector(t, mr, "instance-1")
	e2 := newTestElector(t, mr, "instance-2")
	ctx := context.Background()

	if !e1.tryAcquire(ctx) {
		t.Fatal("Expected instance-1 to acquire")
	}
	if e2.tryAcquire(ctx) {
		t.Error("Expected instance-2 to be blocked while instance-1 holds the lock")
	}
}

func TestRedisElectorReacquireOwnLock(t *testing.T) {
	mr := miniredis.RunT(t)
	e := newTestElector(t, mr, "instance-1")
	ctx := context.Background()

	if !e.tryAcquire(ctx) {
		t.Fatal("Expected acquire to succeed")
	}

	// The same instance surviving a restart refreshes its own lock
	if !e.tryAcquire(ctx) {
		t.Error("Expected re-acquire of our own lock to succeed")
	}
}

func TestRedisElectorRefreshAfterLoss(t *testing.T) {
	mr := miniredis.RunT(t)
	e := newTestElector(t, mr, "instance-1")
	ctx := context.Background()

	if !e.tryAcquire(ctx) {
		t.Fatal("Expected acquire to succeed")
	}

	// Another instance took the lock after ours expired
	mr.Set("test-leader", "instance-2")

	if e.refresh(ctx) {
		t.Error("Refresh must fail once another instance owns the lock")
	}
}

func TestRedisElectorRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	e := newTestElector(t, mr, "instance-1")
	ctx := context.Background()

	if !e.tryAcquire(ctx) {
		t.Fatal("Expected acquire to succeed")
	}
	e.isPrimary.Store(true)

	e.Release(ctx)

	if e.IsPrimary() {
		t.Error("Elector should not be primary after release")
	}
	owner, err := e.GetCurrentLeader(ctx)
	if err != nil {
		t.Fatalf("GetCurrentLeader: %v", err)
	}
	if owner != "" {
		t.Errorf("Expected vacant lock after release, got %q", owner)
	}
}

func TestRedisElectorReleaseDoesNotStealLock(t *testing.T) {
	mr := miniredis.RunT(t)
	e := newTestElector(t, mr, "instance-1")
	ctx := context.Background()

	mr.Set("test-leader", "instance-2")

	e.Release(ctx)

	owner, _ := e.GetCurrentLeader(ctx)
	if owner != "instance-2" {
		t.Errorf("Release must not delete another instance's lock, got %q", owner)
	}
}

func TestRedisElectorFailover(t *testing.T) {
	mr := miniredis.RunT(t)
	e1 := newTestElector(t, mr, "instance-1")
	e2 := newTestElector(t, mr, "instance-2")
	ctx := context.Background()

	promoted := false
	e2.OnBecomeLeader(func() { promoted = true })

	if !e1.tryAcquire(ctx) {
		t.Fatal("Expected instance-1 to acquire")
	}
	e1.isPrimary.Store(true)

	// The holder's TTL lapses
	mr.FastForward(time.Minute)

	e2.tryAcquireOrRefresh()

	if !e2.IsPrimary() {
		t.Error("Expected instance-2 to become primary after expiry")
	}
	if !promoted {
		t.Error("Expected OnBecomeLeader callback to fire")
	}
}

func TestRedisElectorImplementsElector(t *testing.T) {
	var _ Elector = (*RedisLeaderElector)(nil)
}
