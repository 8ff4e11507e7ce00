// Property-based tests for keyed locking.
package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"
)

type pairKey struct {
	UserID  int64
	ScopeID string
}

// TestConcurrentWritesSerializedProperty checks that read-modify-write
// sections under the same key never lose an update.
func TestConcurrentWritesSerializedProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		initial := rapid.Int64Range(0, 100000).Draw(t, "initial")
		numOps := rapid.IntRange(2, 20).Draw(t, "numOps")

		deltas := make([]int64, numOps)
		expected := initial
		for i := range deltas {
			deltas[i] = rapid.Int64Range(-500, 500).Draw(t, "delta")
			expected += deltas[i]
		}

		key := pairKey{
			UserID:  rapid.Int64Range(1, 1000000).Draw(t, "userID"),
			ScopeID: rapid.StringMatching(`[a-z]{3,10}`).Draw(t, "scopeID"),
		}
		kl := NewKeyLock[pairKey]()

		total := initial
		var wg sync.WaitGroup
		wg.Add(numOps)
		for _, d := range deltas {
			go func(delta int64) {
				defer wg.Done()
				kl.Lock(key)
				defer kl.Unlock(key)
				total += delta
			}(d)
		}
		wg.Wait()

		if total != expected {
			t.Fatalf("expected %d, got %d (initial=%d, numOps=%d)", expected, total, initial, numOps)
		}
		if kl.Len() != 0 {
			t.Fatalf("expected idle keys to be dropped, %d remain", kl.Len())
		}
	})
}

// TestWithLockSerializesProperty checks the WithLock convenience wrapper.
func TestWithLockSerializesProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		numOps := rapid.IntRange(5, 30).Draw(t, "numOps")
		step := rapid.Int64Range(1, 100).Draw(t, "step")
		scopeID := rapid.StringMatching(`[a-z]{3,10}`).Draw(t, "scopeID")

		kl := NewKeyLock[string]()
		var total int64

		var wg sync.WaitGroup
		wg.Add(numOps)
		for i := 0; i < numOps; i++ {
			go func() {
				defer wg.Done()
				_ = kl.WithLock(scopeID, func() error {
					total += step
					return nil
				})
			}()
		}
		wg.Wait()

		if total != int64(numOps)*step {
			t.Fatalf("expected %d, got %d", int64(numOps)*step, total)
		}
	})
}

// TestIndependentKeysProperty checks that different keys keep separate state.
func TestIndependentKeysProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		numUsers := rapid.IntRange(2, 10).Draw(t, "numUsers")
		opsPerUser := rapid.IntRange(5, 20).Draw(t, "opsPerUser")

		kl := NewKeyLock[pairKey]()
		totals := make(map[int64]*int64)
		for i := 1; i <= numUsers; i++ {
			var v int64
			totals[int64(i)] = &v
		}

		var wg sync.WaitGroup
		wg.Add(numUsers * opsPerUser)
		for uid := int64(1); uid <= int64(numUsers); uid++ {
			for j := 0; j < opsPerUser; j++ {
				go func(uid int64) {
					defer wg.Done()
					key := pairKey{UserID: uid, ScopeID: "arcade"}
					kl.Lock(key)
					defer kl.Unlock(key)
					*totals[uid] += 10
				}(uid)
			}
		}
		wg.Wait()

		for uid, v := range totals {
			if *v != int64(opsPerUser)*10 {
				t.Fatalf("user %d: expected %d, got %d", uid, int64(opsPerUser)*10, *v)
			}
		}
	})
}

// TestTryLockExclusiveProperty checks that TryLock never hands out a held lock.
func TestTryLockExclusiveProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		scopeID := rapid.StringMatching(`[a-z]{3,10}`).Draw(t, "scopeID")
		numAttempts := rapid.IntRange(5, 20).Draw(t, "numAttempts")

		kl := NewKeyLock[string]()

		var holders atomic.Int32
		var overlapped atomic.Bool
		var successCount atomic.Int32
		var wg sync.WaitGroup
		wg.Add(numAttempts)
		startCh := make(chan struct{})

		for i := 0; i < numAttempts; i++ {
			go func() {
				defer wg.Done()
				<-startCh
				if kl.TryLock(scopeID) {
					if holders.Add(1) > 1 {
						overlapped.Store(true)
					}
					successCount.Add(1)
					holders.Add(-1)
					kl.Unlock(scopeID)
				}
			}()
		}
		close(startCh)
		wg.Wait()

		if overlapped.Load() {
			t.Fatalf("two holders of the same key")
		}
		if successCount.Load() < 1 {
			t.Fatalf("at least one TryLock should succeed")
		}
		if !kl.TryLock(scopeID) {
			t.Fatal("lock should be available after all attempts")
		}
		kl.Unlock(scopeID)
	})
}

// TestLockUnlockSymmetryProperty checks that symmetric cycles leave no state.
func TestLockUnlockSymmetryProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		scopeID := rapid.StringMatching(`[a-z]{3,10}`).Draw(t, "scopeID")
		numCycles := rapid.IntRange(1, 50).Draw(t, "numCycles")

		kl := NewKeyLock[string]()
		for i := 0; i < numCycles; i++ {
			kl.Lock(scopeID)
			kl.Unlock(scopeID)
		}

		if kl.IsLocked(scopeID) {
			t.Fatal("key should not be locked after symmetric cycles")
		}
		if kl.Len() != 0 {
			t.Fatalf("expected no tracked keys, got %d", kl.Len())
		}
	})
}

func TestWithLockContextTimeout(t *testing.T) {
	kl := NewKeyLock[string]()
	kl.Lock("arcade")

	err := kl.WithLockContext(context.Background(), "arcade", 20*time.Millisecond, func() error {
		t.Fatal("fn must not run without the lock")
		return nil
	})
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}

	kl.Unlock("arcade")

	ran := false
	err = kl.WithLockContext(context.Background(), "arcade", time.Second, func() error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("expected fn to run, err=%v ran=%v", err, ran)
	}

	// The abandoned waiter hands its lock back asynchronously.
	deadline := time.Now().Add(time.Second)
	for kl.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if kl.Len() != 0 {
		t.Fatalf("expected no tracked keys, got %d", kl.Len())
	}
}
