package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/krobus00/halal-trading-service/internal/constant"
	"github.com/krobus00/halal-trading-service/internal/util"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	defaultTTL       = 30 * time.Second
	defaultRetryWait = 25 * time.Millisecond
)

var ErrLockNotAcquired = errors.New("symbol lock not acquired")

// SymbolLocker serialises decisions for one symbol. The returned unlock
// func is safe to call more than once.
type SymbolLocker interface {
	Lock(ctx context.Context, symbol string) (unlock func(), err error)
}

type LocalSymbolLocker struct {
	locks     *util.KeyedMutex
	retryWait time.Duration
}

func NewLocalSymbolLocker() *LocalSymbolLocker {
	return &LocalSymbolLocker{locks: util.NewKeyedMutex(), retryWait: defaultRetryWait}
}

func (l *LocalSymbolLocker) Lock(ctx context.Context, symbol string) (func(), error) {
	key := normalize(symbol)

	for {
		if unlock, ok := l.locks.TryLock(key); ok {
			return once(unlock), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrLockNotAcquired, key, ctx.Err())
		case <-time.After(l.retryWait):
		}
	}
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisSymbolLocker shares symbol locks between engine replicas. Locks
// expire after TTL so a crashed holder cannot block a symbol forever.
type RedisSymbolLocker struct {
	client    *redis.Client
	ttl       time.Duration
	retryWait time.Duration
}

func NewRedisSymbolLocker(client *redis.Client, ttl time.Duration) *RedisSymbolLocker {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisSymbolLocker{client: client, ttl: ttl, retryWait: defaultRetryWait}
}

func (l *RedisSymbolLocker) Lock(ctx context.Context, symbol string) (func(), error) {
	key := fmt.Sprintf("%s:%s", constant.SymbolLockKeyPrefix, normalize(symbol))
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLockNotAcquired, key, err)
		}
		if ok {
			return once(func() {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
					logrus.WithError(err).WithField("key", key).Warn("failed to release symbol lock")
				}
			}), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrLockNotAcquired, key, ctx.Err())
		case <-time.After(l.retryWait):
		}
	}
}

func once(fn func()) func() {
	var o sync.Once
	return func() {
		o.Do(fn)
	}
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
