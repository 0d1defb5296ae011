package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := NewFromClient(rdb, zap.NewNop())

	return client, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestIdempotencyService_NewRequest(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())

	result, err := svc.CheckOrReserve(context.Background(), "client-1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new request, got: %+v", result)
	}
}

func TestIdempotencyService_DuplicateInFlight(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "client-1", "key-1"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if _, err := svc.CheckOrReserve(ctx, "client-1", "key-1"); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got: %v", err)
	}
}

func TestIdempotencyService_ReserveThenStore(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	reserved, err := svc.Reserve(ctx, "client-1", "key-1")
	if err != nil || !reserved {
		t.Fatalf("reserve failed: %v, reserved: %v", err, reserved)
	}

	if err := svc.Store(ctx, "client-1", "key-1", &IdempotencyResult{SendID: "send-789", StatusCode: 201}); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	cached, err := svc.CheckOrReserve(ctx, "client-1", "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if cached == nil || cached.SendID != "send-789" {
		t.Fatalf("expected send-789, got %+v", cached)
	}
	if cached.CreatedAt == 0 {
		t.Error("expected created_at to be stamped")
	}

	if ttl := mr.TTL("idempotency:send:client-1:key-1"); ttl != IdempotencyTTL {
		t.Errorf("expected ttl %v, got %v", IdempotencyTTL, ttl)
	}
}

func TestIdempotencyService_ScopeIsolation(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "client-A", "same-key"); err != nil {
		t.Fatalf("client A failed: %v", err)
	}
	result, err := svc.CheckOrReserve(ctx, "client-B", "same-key")
	if err != nil {
		t.Fatalf("client B should succeed: %v", err)
	}
	if result != nil {
		t.Fatal("client B should get nil (new request)")
	}
}

func TestIdempotencyService_Release(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "client-1", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := svc.Release(ctx, "client-1", "key-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := svc.CheckOrReserve(ctx, "client-1", "key-1"); err != nil {
		t.Fatalf("key should be free after release: %v", err)
	}

	// A stored result survives Release.
	if err := svc.Store(ctx, "client-1", "key-1", &IdempotencyResult{SendID: "send-1", StatusCode: 201}); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if err := svc.Release(ctx, "client-1", "key-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	cached, err := svc.Check(ctx, "client-1", "key-1")
	if err != nil || cached == nil {
		t.Fatalf("expected stored result, got %+v, %v", cached, err)
	}
}

func TestIdempotencyService_ReservationExpires(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "client-1", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	mr.FastForward(processingTTL + time.Second)

	if _, err := svc.CheckOrReserve(ctx, "client-1", "key-1"); err != nil {
		t.Fatalf("expired reservation should be reusable: %v", err)
	}
}
