package lock

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type key struct{ tenant, resource string }

func TestKeyedMutex_LockUnlock(t *testing.T) {
	m := NewKeyedMutex[key]()
	k := key{"acme", "svc"}

	m.Lock(k)
	m.Unlock(k)
	m.Lock(k)
	m.Unlock(k)

	assert.Equal(t, 0, m.Len())
}

func TestKeyedMutex_DifferentKeys(t *testing.T) {
	m := NewKeyedMutex[key]()
	done := make(chan struct{})

	m.Lock(key{"acme", "a"})
	go func() {
		m.Lock(key{"acme", "b"})
		m.Unlock(key{"acme", "b"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent key blocked")
	}
	m.Unlock(key{"acme", "a"})
}

func TestKeyedMutex_Concurrent(t *testing.T) {
	m := NewKeyedMutex[key]()
	k := key{"acme", "shared"}
	var inside, maxInside, counter int64

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Acquire(context.Background(), k, 5*time.Second, 0)
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt64(&inside, 1)
			for {
				cur := atomic.LoadInt64(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt64(&maxInside, cur, n) {
					break
				}
			}
			atomic.AddInt64(&counter, 1)
			atomic.AddInt64(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), counter)
	assert.Equal(t, int64(1), maxInside)
	assert.Equal(t, 0, m.Len())
}

func TestKeyedMutex_AcquireTimeout(t *testing.T) {
	m := NewKeyedMutex[key]()
	k := key{"acme", "svc"}

	release, err := m.Acquire(context.Background(), k, time.Second, 0)
	require.NoError(t, err)

	_, err = m.Acquire(context.Background(), k, 20*time.Millisecond, 0)
	assert.ErrorIs(t, err, ErrTimeout)

	release()
	release() // idempotent
	assert.Equal(t, 0, m.Len())
}

func TestKeyedMutex_AcquireContextCancel(t *testing.T) {
	m := NewKeyedMutex[key]()
	k := key{"acme", "svc"}
	release, err := m.Acquire(context.Background(), k, 0, 0)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Acquire(ctx, k, time.Second, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKeyedMutex_CancelledCallerNeverTakesFreeKey(t *testing.T) {
	m := NewKeyedMutex[key]()
	k := key{"acme", "svc"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for range 50 {
		_, err := m.Acquire(ctx, k, time.Second, 0)
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, 0, m.Len())
}

func TestKeyedMutex_TryAcquire(t *testing.T) {
	m := NewKeyedMutex[key]()
	k := key{"acme", "svc"}

	release, ok := m.TryAcquire(k)
	require.True(t, ok)
	_, ok = m.TryAcquire(k)
	assert.False(t, ok, "held key must not be taken twice")

	_, err := m.Acquire(context.Background(), k, 20*time.Millisecond, 0)
	assert.ErrorIs(t, err, ErrTimeout)

	release()
	release()
	assert.Equal(t, 0, m.Len())

	release, ok = m.TryAcquire(k)
	require.True(t, ok)
	release()
}

func TestKeyedMutex_ForceRelease(t *testing.T) {
	m := NewKeyedMutex[key]()
	k := key{"acme", "wedged"}
	forced := make(chan time.Duration, 1)
	m.OnForceRelease = func(_ key, held time.Duration) { forced <- held }

	stale, err := m.Acquire(context.Background(), k, 0, 30*time.Millisecond)
	require.NoError(t, err)

	release, err := m.Acquire(context.Background(), k, time.Second, 0)
	require.NoError(t, err, "second holder should get the lock after force release")

	select {
	case held := <-forced:
		assert.GreaterOrEqual(t, held, 30*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("force release hook not called")
	}

	// The wedged holder finishing late must not free the new holder's lock.
	stale()
	_, err = m.Acquire(context.Background(), k, 20*time.Millisecond, 0)
	assert.ErrorIs(t, err, ErrTimeout)

	release()
	assert.Equal(t, 0, m.Len())
}

func TestFileLock_TryLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tofud.lock")

	fl := NewFileLock(path)
	require.NoError(t, fl.TryLock())

	other := NewFileLock(path)
	assert.Error(t, other.TryLock(), "second lock on same file should fail")

	require.NoError(t, fl.Unlock())
	require.NoError(t, other.TryLock())
	require.NoError(t, other.Unlock())
}

func TestFileLock_UnlockWithoutLock(t *testing.T) {
	fl := NewFileLock(filepath.Join(t.TempDir(), "x.lock"))
	assert.NoError(t, fl.Unlock())
}
