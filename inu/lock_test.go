package inu

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	k := newKeyedMutex()

	unlock, err := k.Lock(ctx, "a", "b", "a")
	require.NoError(t, err)
	assert.Equal(t, 2, k.held())

	// a different key doesn't block
	unlockC, err := k.Lock(ctx, "c")
	require.NoError(t, err)
	unlockC()

	acquired := make(chan struct{})
	go func() {
		u, lockErr := k.Lock(ctx, "b")
		if lockErr == nil {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("acquired a held key")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	unlock()

	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the lock")
	}
	assert.Eventually(
		t,
		func() bool { return k.held() == 0 },
		5*time.Second,
		10*time.Millisecond,
	)
}

func TestKeyedMutexCanceled(t *testing.T) {
	t.Parallel()
	k := newKeyedMutex()

	unlock, err := k.Lock(context.Background(), "b")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// "a" is acquired first, then released when "b" times out
	_, err = k.Lock(ctx, "b", "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, k.held())

	unlockA, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)
	unlockA()
	unlock()
	assert.Equal(t, 0, k.held())
}

func TestKeyedMutexOverlapping(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	k := newKeyedMutex()

	keySets := [][]string{
		{"a", "b", "c"},
		{"c", "b", "a"},
		{"b", "c"},
		{"c", "a"},
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		counter = map[string]int{}
	)
	for i := 0; i < 200; i++ {
		keys := keySets[i%len(keySets)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(ctx, keys...)
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()
			for _, key := range keys {
				mu.Lock()
				counter[key]++
				mu.Unlock()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("deadlocked")
	}

	assert.Equal(t, 0, k.held())
	assert.Equal(t, map[string]int{"a": 150, "b": 150, "c": 200}, counter)
}
