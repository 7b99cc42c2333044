package storage

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// maxReaders is the weight of an exclusive holder; every reader takes one.
const maxReaders = 1 << 20

// KeyedLocker hands out in-process read/write locks by name. Acquisition
// honours context cancellation and a waiting writer holds back later
// readers.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sem  *semaphore.Weighted
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyedLock)}
}

func (k *KeyedLocker) Lock(ctx context.Context, name string, mode LockMode) (func(), error) {
	weight := int64(1)
	if mode == LockWrite {
		weight = maxReaders
	}

	k.mu.Lock()
	l, ok := k.locks[name]
	if !ok {
		l = &keyedLock{sem: semaphore.NewWeighted(maxReaders)}
		k.locks[name] = l
	}
	l.refs++
	k.mu.Unlock()

	if err := l.sem.Acquire(ctx, weight); err != nil {
		k.unref(name, l)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.sem.Release(weight)
			k.unref(name, l)
		})
	}, nil
}

func (k *KeyedLocker) unref(name string, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, name)
	}
}
