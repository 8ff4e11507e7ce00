// Package lock provides keyed locking for single-writer-per-key sections:
// aggregate writes per (user, scope) pair and rank recomputation per scope.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout means another writer held the key for longer than the
// caller was willing to wait.
var ErrLockTimeout = errors.New("timed out waiting for key lock")

// keyMutex wraps a mutex with a count of holders and waiters so idle keys
// can be dropped from the map.
type keyMutex struct {
	mu       sync.Mutex
	refCount int
}

// KeyLock provides one mutex per key. Keys that nobody holds or waits for
// are removed, so the map stays proportional to in-flight work.
type KeyLock[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*keyMutex
}

// NewKeyLock creates a new KeyLock instance.
func NewKeyLock[K comparable]() *KeyLock[K] {
	return &KeyLock[K]{
		locks: make(map[K]*keyMutex),
	}
}

// acquire retrieves or creates the mutex for key and registers interest in it.
func (kl *KeyLock[K]) acquire(key K) *keyMutex {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	m, ok := kl.locks[key]
	if !ok {
		m = &keyMutex{}
		kl.locks[key] = m
	}
	m.refCount++
	return m
}

// release drops interest in key's mutex and forgets it once unused.
func (kl *KeyLock[K]) release(key K, m *keyMutex) {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	m.refCount--
	if m.refCount == 0 {
		delete(kl.locks, key)
	}
}

// Lock acquires the lock for a key.
func (kl *KeyLock[K]) Lock(key K) {
	kl.acquire(key).mu.Lock()
}

// Unlock releases the lock for a key. Unlocking a key that is not held is a no-op.
func (kl *KeyLock[K]) Unlock(key K) {
	kl.mu.Lock()
	m, ok := kl.locks[key]
	kl.mu.Unlock()
	if !ok {
		return
	}
	m.mu.Unlock()
	kl.release(key, m)
}

// TryLock attempts to acquire the lock without blocking.
// Returns true if the lock was acquired, false otherwise.
func (kl *KeyLock[K]) TryLock(key K) bool {
	m := kl.acquire(key)
	if m.mu.TryLock() {
		return true
	}
	kl.release(key, m)
	return false
}

// LockWithTimeout attempts to acquire the lock until the timeout or the
// context expires. Returns true if the lock was acquired.
func (kl *KeyLock[K]) LockWithTimeout(ctx context.Context, key K, timeout time.Duration) bool {
	m := kl.acquire(key)

	done := make(chan struct{})
	go func() {
		m.mu.Lock()
		close(done)
	}()

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-done:
		return true
	case <-timeoutCtx.Done():
		// The waiter still gets the lock eventually; hand it straight back.
		go func() {
			<-done
			m.mu.Unlock()
			kl.release(key, m)
		}()
		return false
	}
}

// WithLock executes a function while holding the key's lock.
func (kl *KeyLock[K]) WithLock(key K, fn func() error) error {
	kl.Lock(key)
	defer kl.Unlock(key)
	return fn()
}

// WithLockContext executes a function while holding the key's lock,
// giving up with ErrLockTimeout if the lock is not acquired in time.
func (kl *KeyLock[K]) WithLockContext(ctx context.Context, key K, timeout time.Duration, fn func() error) error {
	if !kl.LockWithTimeout(ctx, key, timeout) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrLockTimeout
	}
	defer kl.Unlock(key)

	// Check if context was cancelled while waiting for lock
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// IsLocked checks if a key currently has an active lock.
// Note: This is a point-in-time check and may change immediately after.
func (kl *KeyLock[K]) IsLocked(key K) bool {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	m, ok := kl.locks[key]
	if !ok {
		return false
	}
	if m.mu.TryLock() {
		m.mu.Unlock()
		return false
	}
	return true
}

// Len returns the number of keys currently held or waited on.
func (kl *KeyLock[K]) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.locks)
}
