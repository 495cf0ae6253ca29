package util

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	locks := NewKeyedMutex()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("AAPL")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Empty(t, locks.locks)
}

func TestKeyedMutex_TryLock(t *testing.T) {
	locks := NewKeyedMutex()

	unlock := locks.Lock("AAPL")

	_, ok := locks.TryLock("AAPL")
	assert.False(t, ok)

	other, ok := locks.TryLock("MSFT")
	require.True(t, ok)
	other()

	unlock()

	again, ok := locks.TryLock("AAPL")
	require.True(t, ok)
	again()
	assert.Empty(t, locks.locks)
}
