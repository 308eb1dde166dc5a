package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockSerializesSameKey(t *testing.T) {
	l := New(0)
	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "u1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive)
}

func TestLockIndependentKeys(t *testing.T) {
	l := New(0)
	unlock1, err := l.Lock(context.Background(), "u1")
	require.NoError(t, err)
	defer unlock1()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlock2, err := l.Lock(ctx, "u2")
	require.NoError(t, err)
	unlock2()
}

func TestLockContextDone(t *testing.T) {
	l := New(0)
	unlock, err := l.Lock(context.Background(), "u1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "u1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock, err = l.Lock(context.Background(), "u1")
	require.NoError(t, err)
	unlock()
	assert.Empty(t, l.(*lock).keys)
}

func TestLockWithDurationDelaysNextHolder(t *testing.T) {
	l := New(0)
	unlock, err := l.LockWithDuration(context.Background(), "u1", 50*time.Millisecond)
	require.NoError(t, err)
	start := time.Now()
	go unlock()

	unlock, err = l.Lock(context.Background(), "u1")
	require.NoError(t, err)
	unlock()
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}
