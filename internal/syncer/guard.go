package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/wolfman30/medspa-pms-sync/pkg/logging"
)

// Guard admits at most one holder per key. A second caller is told to skip, never queued.
type Guard interface {
	TryAcquire(ctx context.Context, key string) (release func(), acquired bool, err error)
}

// KeyedGuard is an in-process Guard.
type KeyedGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewKeyedGuard() *KeyedGuard {
	return &KeyedGuard{held: make(map[string]struct{})}
}

func (g *KeyedGuard) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[key]; busy {
		return nil, false, nil
	}
	g.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, key)
			g.mu.Unlock()
		})
	}, true, nil
}

// RedisGuard is a cross-process Guard backed by a Redis lock with a TTL.
// The TTL bounds how long a crashed holder can block a key; a live holder refreshes
// the lock every third of the TTL until it releases.
type RedisGuard struct {
	locker  *redislock.Client
	ttl     time.Duration
	refresh time.Duration
	prefix  string
	logger  *logging.Logger
}

func NewRedisGuard(client redislock.RedisClient, ttl time.Duration, logger *logging.Logger) *RedisGuard {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisGuard{
		locker:  redislock.New(client),
		ttl:     ttl,
		refresh: ttl / 3,
		prefix:  "lock:pms-sync:",
		logger:  logger,
	}
}

func (g *RedisGuard) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	lock, err := g.locker.Obtain(ctx, g.prefix+key, g.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("syncer: obtain lock %s: %w", key, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go g.keepAlive(lock, key, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				g.logger.Warn("failed to release sync lock", "key", key, "error", err)
			}
		})
	}, true, nil
}

// keepAlive extends the lock until stop closes or a refresh fails.
func (g *RedisGuard) keepAlive(lock *redislock.Lock, key string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(g.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(context.Background(), g.refresh)
			err := lock.Refresh(refreshCtx, g.ttl, nil)
			cancel()
			if errors.Is(err, redislock.ErrNotObtained) {
				g.logger.Error("sync lock lost before release", "key", key)
				return
			}
			if err != nil {
				g.logger.Warn("failed to refresh sync lock", "key", key, "error", err)
			}
		}
	}
}
