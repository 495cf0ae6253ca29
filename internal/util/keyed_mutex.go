package util

import "sync"

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// KeyedMutex hands out one mutex per key and forgets keys nobody holds.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *KeyedMutex) Lock(key string) func() {
	lock := k.acquire(key)
	lock.mu.Lock()

	return func() {
		lock.mu.Unlock()
		k.release(key, lock)
	}
}

// TryLock returns ok=false without blocking when key is held.
func (k *KeyedMutex) TryLock(key string) (func(), bool) {
	lock := k.acquire(key)
	if !lock.mu.TryLock() {
		k.release(key, lock)
		return nil, false
	}

	return func() {
		lock.mu.Unlock()
		k.release(key, lock)
	}, true
}

func (k *KeyedMutex) acquire(key string) *keyedLock {
	k.mu.Lock()
	defer k.mu.Unlock()

	lock, ok := k.locks[key]
	if !ok {
		lock = &keyedLock{}
		k.locks[key] = lock
	}
	lock.refs++

	return lock
}

func (k *KeyedMutex) release(key string, lock *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()

	lock.refs--
	if lock.refs == 0 {
		delete(k.locks, key)
	}
}
