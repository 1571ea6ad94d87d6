package internal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotExclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	slot := NewSlot(newMemoryStore())

	require.True(t, slot.Acquire(ctx, KindMovie, "dune-2021", "job-a", "", ""))
	assert.False(t, slot.Acquire(ctx, KindMovie, "dune-2021", "job-b", "", ""))

	holder, ok := slot.Holder(ctx, KindMovie, "dune-2021", "", "")
	require.True(t, ok)
	assert.Equal(t, "job-a", holder)

	// Different tuple, different slot.
	assert.True(t, slot.Acquire(ctx, KindMovie, "dune-2021", "job-b", "en-US", ""))
}

func TestSlotReleaseOnlyByHolder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	slot := NewSlot(newMemoryStore())

	require.True(t, slot.Acquire(ctx, KindMovie, "dune-2021", "job-a", "", ""))

	// A non-holder releasing is a no-op.
	slot.Release(ctx, KindMovie, "dune-2021", "job-b", "", "")
	_, ok := slot.Holder(ctx, KindMovie, "dune-2021", "", "")
	assert.True(t, ok)

	slot.Release(ctx, KindMovie, "dune-2021", "job-a", "", "")
	_, ok = slot.Holder(ctx, KindMovie, "dune-2021", "", "")
	assert.False(t, ok)

	assert.True(t, slot.Acquire(ctx, KindMovie, "dune-2021", "job-b", "", ""))
}

func TestWithLockMutualExclusion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemoryStore()

	var inside, max int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := withLock(ctx, store, "gl:test", time.Second, 5*time.Second, func(ctx context.Context) (struct{}, error) {
				mu.Lock()
				inside++
				if inside > max {
					max = inside
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return struct{}{}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, max, "at most one goroutine may hold the lock")
}

func TestWithLockTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemoryStore()

	require.True(t, store.Add(ctx, "gl:held", []byte("other"), time.Minute))

	start := time.Now()
	_, err := withLock(ctx, store, "gl:held", time.Second, 100*time.Millisecond, func(ctx context.Context) (int, error) {
		t.Fatal("must not run while the lock is held")
		return 0, nil
	})
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestWithLockReleasesOnReturn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemoryStore()

	got, err := withLock(ctx, store, "gl:k", time.Second, time.Second, func(ctx context.Context) (string, error) {
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", got)

	// The lock must be free again immediately, not only after the lease.
	assert.True(t, store.Add(ctx, "gl:k", []byte("next"), time.Minute))
}

func TestWithLockCanceledContext(t *testing.T) {
	t.Parallel()
	store := newMemoryStore()

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, store.Add(ctx, "gl:held", []byte("other"), time.Minute))
	cancel()

	_, err := withLock(ctx, store, "gl:held", time.Second, time.Minute, func(ctx context.Context) (int, error) {
		return 0, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
