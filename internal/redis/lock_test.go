package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLocker_ExclusiveUntilReleased(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	locker := NewLocker(client, zap.NewNop(), LockConfig{
		TTL:           time.Minute,
		Wait:          30 * time.Millisecond,
		RetryInterval: 5 * time.Millisecond,
	})
	ctx := context.Background()

	release, err := locker.Lock(ctx, "segment:lead-1")
	if err != nil {
		t.Fatalf("first lock failed: %v", err)
	}

	if _, err := locker.Lock(ctx, "segment:lead-1"); !errors.Is(err, ErrLockNotAcquired) {
		t.Fatalf("expected ErrLockNotAcquired, got %v", err)
	}

	other, err := locker.Lock(ctx, "segment:lead-2")
	if err != nil {
		t.Fatalf("unrelated key should lock: %v", err)
	}
	other()

	release()
	release()

	again, err := locker.Lock(ctx, "segment:lead-1")
	if err != nil {
		t.Fatalf("lock after release failed: %v", err)
	}
	again()
}

func TestLocker_ReleaseKeepsForeignLock(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	locker := NewLocker(client, zap.NewNop(), LockConfig{TTL: time.Second, Wait: 10 * time.Millisecond})
	ctx := context.Background()

	release, err := locker.Lock(ctx, "segment:lead-1")
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	// Our lease expires and another holder takes the key.
	mr.FastForward(2 * time.Second)
	if err := mr.Set("lock:segment:lead-1", "someone-else"); err != nil {
		t.Fatalf("seed foreign lock: %v", err)
	}

	release()

	got, err := mr.Get("lock:segment:lead-1")
	if err != nil || got != "someone-else" {
		t.Fatalf("foreign lock was removed: %q, %v", got, err)
	}
}

func TestLocker_ContextCancelled(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	locker := NewLocker(client, zap.NewNop(), LockConfig{Wait: time.Minute, RetryInterval: 5 * time.Millisecond})

	release, err := locker.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
