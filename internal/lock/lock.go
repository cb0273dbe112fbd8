// Package lock provides per-key mutual exclusion with a bounded wait.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when a lock could not be acquired within the wait budget.
var ErrTimeout = errors.New("lock wait timed out")

// Unlock releases a held lock. It is safe to call more than once.
type Unlock func()

// Locker serializes work on a key across callers.
type Locker interface {
	// Acquire blocks until the key is held, ctx is done, or the wait budget
	// is exhausted (ErrTimeout).
	Acquire(ctx context.Context, key string) (Unlock, error)
}

type localEntry struct {
	sem  chan struct{}
	refs int
}

// LocalLocker locks keys within a single process.
type LocalLocker struct {
	wait    time.Duration
	mu      sync.Mutex
	entries map[string]*localEntry
}

// NewLocalLocker returns an in-process locker waiting at most wait per Acquire.
func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{wait: wait, entries: make(map[string]*localEntry)}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string) (Unlock, error) {
	e := l.ref(key)

	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	select {
	case e.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.sem
				l.unref(key)
			})
		}, nil
	case <-waitCtx.Done():
		l.unref(key)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrTimeout
	}
}

func (l *LocalLocker) ref(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *LocalLocker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}
