// Package lock provides per-key mutual exclusion for resource operations and
// the single-instance guard used by the daemon.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrTimeout = errors.New("lock acquisition timed out")

type entry struct {
	slot chan struct{}
	refs int
}

// KeyedMutex serializes work per key. Entries are reference counted and
// removed once no goroutine holds or waits on them, so the table does not
// grow with every key ever seen.
type KeyedMutex[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry

	// OnForceRelease, when set, is called after a holder exceeded maxHold.
	OnForceRelease func(key K, held time.Duration)
}

func NewKeyedMutex[K comparable]() *KeyedMutex[K] {
	return &KeyedMutex[K]{entries: make(map[K]*entry)}
}

func (m *KeyedMutex[K]) ref(key K) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{slot: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *KeyedMutex[K]) unref(key K, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 && m.entries[key] == e {
		delete(m.entries, key)
	}
}

// Lock blocks until key is free.
func (m *KeyedMutex[K]) Lock(key K) {
	e := m.ref(key)
	e.slot <- struct{}{}
}

// Unlock releases a key taken with Lock.
func (m *KeyedMutex[K]) Unlock(key K) {
	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("lock: unlock of unlocked key %v", key))
	}
	<-e.slot
	m.unref(key, e)
}

// Acquire waits up to timeout for key. The returned release func is
// idempotent. When maxHold is positive the lock is released automatically
// after that long and a later call to release becomes a no-op.
func (m *KeyedMutex[K]) Acquire(ctx context.Context, key K, timeout, maxHold time.Duration) (func(), error) {
	e := m.ref(key)

	var timeoutC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutC = t.C
	}

	select {
	case e.slot <- struct{}{}:
		// Both may be ready at once; a cancelled caller never holds the key.
		if err := ctx.Err(); err != nil {
			<-e.slot
			m.unref(key, e)
			return nil, err
		}
	case <-ctx.Done():
		m.unref(key, e)
		return nil, ctx.Err()
	case <-timeoutC:
		m.unref(key, e)
		return nil, fmt.Errorf("%w: %v after %s", ErrTimeout, key, timeout)
	}

	acquired := time.Now()
	done := make(chan struct{})
	var once sync.Once
	release := func() {
		once.Do(func() {
			close(done)
			<-e.slot
			m.unref(key, e)
		})
	}

	if maxHold > 0 {
		go func() {
			t := time.NewTimer(maxHold)
			defer t.Stop()
			select {
			case <-done:
			case <-t.C:
				if m.OnForceRelease != nil {
					m.OnForceRelease(key, time.Since(acquired))
				}
				release()
			}
		}()
	}
	return release, nil
}

// TryAcquire takes key only if it is free right now.
func (m *KeyedMutex[K]) TryAcquire(key K) (func(), bool) {
	e := m.ref(key)
	select {
	case e.slot <- struct{}{}:
	default:
		m.unref(key, e)
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.slot
			m.unref(key, e)
		})
	}, true
}

// Len reports how many keys are currently held or awaited.
func (m *KeyedMutex[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
