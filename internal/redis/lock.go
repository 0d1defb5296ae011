package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockNotAcquired is returned when the lock stays taken for the whole
// wait budget.
var ErrLockNotAcquired = errors.New("lock not acquired")

// release deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LockConfig tunes the distributed lock.
type LockConfig struct {
	TTL           time.Duration // lease of a held lock
	Wait          time.Duration // how long Lock keeps retrying
	RetryInterval time.Duration
}

// Locker is a SET NX lease lock with token-checked release. It satisfies
// keylock.Locker so reconciliation can be serialized across hosts.
type Locker struct {
	client *Client
	logger *zap.Logger
	config LockConfig
}

// NewLocker creates a distributed locker.
func NewLocker(client *Client, logger *zap.Logger, cfg LockConfig) *Locker {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 10 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 50 * time.Millisecond
	}
	return &Locker{client: client, logger: logger, config: cfg}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Lock acquires key, retrying until the wait budget or ctx runs out.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("lock token: %w", err)
	}
	redisKey := "lock:" + key
	deadline := time.Now().Add(l.config.Wait)

	ticker := time.NewTicker(l.config.RetryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.rdb.SetNX(ctx, redisKey, token, l.config.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", redisKey, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%s: %w", redisKey, ErrLockNotAcquired)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// The caller's ctx may already be cancelled; release on a fresh one.
		rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.client.rdb, []string{redisKey}, token).Err(); err != nil {
			l.logger.Warn("lock release failed", zap.String("key", redisKey), zap.Error(err))
		}
	}, nil
}
