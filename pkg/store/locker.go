package store

import (
	"context"
	"sync"
	"time"

	"github.com/carelane-ai/intake/pkg/common/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLocker leases record ids via SET NX PX so that instances of the intake
// service never reconcile the same record concurrently. The lease expires on
// its own if a holder dies before releasing.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
}

func NewRedisLocker(client *redis.Client, ttl, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if wait <= 0 {
		wait = 2 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, wait: wait}
}

// releaseScript deletes the lease only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLocker) Acquire(ctx context.Context, recordID string) (func(), error) {
	key := "intake:lock:" + recordID
	token := uuid.New().String()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrLockHeld
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			logger.WithRecord(recordID).WithError(err).Warn("failed to release record lock")
		}
	}
	return release, nil
}

// MutexLocker is the in-process fallback used when Redis is not configured
// and by tests. Semantics match RedisLocker: bounded wait, then ErrLockHeld.
type MutexLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
	wait  time.Duration
}

func NewMutexLocker(wait time.Duration) *MutexLocker {
	if wait <= 0 {
		wait = 2 * time.Second
	}
	return &MutexLocker{locks: make(map[string]chan struct{}), wait: wait}
}

func (l *MutexLocker) slot(recordID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[recordID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[recordID] = ch
	}
	return ch
}

func (l *MutexLocker) Acquire(ctx context.Context, recordID string) (func(), error) {
	ch := l.slot(recordID)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(l.wait):
		return nil, ErrLockHeld
	}
}
