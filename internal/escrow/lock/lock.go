// Package lock serializes mutations per escrow account. Different accounts never
// contend with each other.
package lock

import (
	"context"
	"sync"

	dErrors "nest/pkg/domain-errors"
)

// Locker grants exclusive access to key until the returned unlock is called.
// Acquisition honours ctx cancellation.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type keyedEntry struct {
	slot chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker with one mutex per key. Entries are
// reference counted and removed once nobody holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{slot: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "lock acquisition cancelled")
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.slot
			k.release(key, e)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// Size returns the number of keys currently held or waited on.
func (k *KeyedMutex) Size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
