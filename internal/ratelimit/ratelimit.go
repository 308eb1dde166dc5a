package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Lock serializes work per key.
type Lock interface {
	Lock(ctx context.Context, key string) (func(), error)
	LockWithDuration(ctx context.Context, key string, d time.Duration) (func(), error)
}

type lock struct {
	mu       sync.Mutex
	keys     map[string]*entry
	duration time.Duration
}

type entry struct {
	ch   chan struct{}
	refs int
}

// New creates a new keyed lock. Unlocking a key waits for the given duration
// before the next holder of the same key may proceed.
func New(d time.Duration) Lock {
	return &lock{
		keys:     map[string]*entry{},
		duration: d,
	}
}

// LockWithDuration locks the given key and returns a function that unlocks
// it after a delay time based on the given duration. It returns an error if
// the context is done before the key is acquired.
func (l *lock) LockWithDuration(ctx context.Context, key string, d time.Duration) (func(), error) {
	l.mu.Lock()
	e, ok := l.keys[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.keys[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	// Apply a factor between 0.85 and 1.15 to the duration
	if d > 0 {
		d = time.Duration(float64(d) * (0.85 + rand.Float64()*0.3))
	}
	return func() {
		if d > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		}
		<-e.ch
		l.release(key, e)
	}, nil
}

// Lock locks the given key using the default duration.
func (l *lock) Lock(ctx context.Context, key string) (func(), error) {
	return l.LockWithDuration(ctx, key, l.duration)
}

func (l *lock) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.keys, key)
	}
}
