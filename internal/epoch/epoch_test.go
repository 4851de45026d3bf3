package epoch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCounterMonotonic(t *testing.T) {
	t.Parallel()
	c := NewMemory()
	ctx := context.Background()

	cur, err := c.Current(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, cur)

	for i := 1; i <= 10; i++ {
		n, err := c.Bump(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, i, n)
	}
	cur, err = c.Current(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 10, cur)
}

func TestMemoryCounterConcurrentBumps(t *testing.T) {
	t.Parallel()
	c := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = c.Bump(ctx)
			}
		}()
	}
	wg.Wait()
	cur, err := c.Current(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 800, cur)
}

func TestMemoryCounterWatch(t *testing.T) {
	t.Parallel()
	c := NewMemory()
	ctx := context.Background()

	ch, cancel := c.Watch(ctx)
	defer cancel()

	_, err := c.Bump(ctx)
	require.NoError(t, err)

	select {
	case n := <-ch:
		assert.EqualValues(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("no bump notification delivered")
	}
}
