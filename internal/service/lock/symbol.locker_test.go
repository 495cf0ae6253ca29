package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalSymbolLocker_SerialisesPerSymbol(t *testing.T) {
	locker := NewLocalSymbolLocker()

	var (
		wg      sync.WaitGroup
		holders atomic.Int32
		maxSeen atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), "aapl")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			n := holders.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(2 * time.Millisecond)
			holders.Add(-1)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxSeen.Load())
}

func TestLocalSymbolLocker_OtherSymbolsAreIndependent(t *testing.T) {
	locker := NewLocalSymbolLocker()

	unlock, err := locker.Lock(context.Background(), "AAPL")
	require.NoError(t, err)
	defer unlock()

	other, err := locker.Lock(context.Background(), "MSFT")
	require.NoError(t, err)
	other()
}

func TestLocalSymbolLocker_HonoursContext(t *testing.T) {
	locker := NewLocalSymbolLocker()

	unlock, err := locker.Lock(context.Background(), "AAPL")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, " aapl ")
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	unlock()
	unlock()

	again, err := locker.Lock(context.Background(), "AAPL")
	require.NoError(t, err)
	again()
}

func TestRedisSymbolLocker_UnreachableRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	_, err := NewRedisSymbolLocker(client, time.Second).Lock(context.Background(), "AAPL")
	assert.ErrorIs(t, err, ErrLockNotAcquired)
}
