package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsTasks(t *testing.T) {
	p := New(4, 16)

	var n int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func() {
			defer wg.Done()
			atomic.AddInt32(&n, 1)
		}))
	}
	wg.Wait()
	p.Stop()
	assert.Equal(t, int32(20), atomic.LoadInt32(&n))
}

func TestSingleWorkerKeepsOrder(t *testing.T) {
	p := New(1, 8)

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		i := i
		require.NoError(t, p.Submit(context.Background(), func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	p.Stop()

	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestSubmitBlocksWhenFull(t *testing.T) {
	p := New(1, 1)
	defer p.Stop()

	release := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() { <-release }))
	require.NoError(t, p.Submit(context.Background(), func() {}))
	assert.Equal(t, 2, p.Pending())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.Eventually(t, func() bool { return p.Pending() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Submit(context.Background(), func() {}))
}

func TestSubmitAfterStop(t *testing.T) {
	p := New(2, 2)
	p.Stop()
	assert.ErrorIs(t, p.Submit(context.Background(), func() {}), ErrStopped)
	assert.Equal(t, 0, p.Pending())
}
