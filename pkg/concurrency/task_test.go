package concurrency

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, workers int) *Pool {
	t.Helper()
	p := NewPool(workers, nil, nil)
	t.Cleanup(p.Stop)
	return p
}

func TestTaskLazyStart(t *testing.T) {
	var ran atomic.Bool
	task := NewTask(func() (int, error) {
		ran.Store(true)
		return 42, nil
	})

	assert.False(t, ran.Load(), "task must stay suspended until awaited")
	v, err := task.Await()
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.True(t, task.Ready())
}

func TestTaskAwaitTwicePanics(t *testing.T) {
	task := NewTask(func() (int, error) { return 1, nil })
	_, _ = task.Await()
	assert.Panics(t, func() { _, _ = task.Await() })
}

func TestTaskComposition(t *testing.T) {
	child := NewTask(func() (int, error) { return 10, nil })
	parent := NewTask(func() (int, error) {
		v, err := child.Await()
		return v + 1, err
	})

	v, err := parent.Await()
	require.NoError(t, err)
	assert.Equal(t, 11, v)
}

func TestSyncWaitRunsOnPool(t *testing.T) {
	pool := newTestPool(t, 2)

	task := NewTask(func() (string, error) {
		return "done", nil
	})
	v, err := SyncWait(pool, task)
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestSyncWaitThenAwaitPanics(t *testing.T) {
	pool := newTestPool(t, 2)
	task := NewTask(func() (int, error) { return 1, nil })
	_, _ = SyncWait(pool, task)
	assert.Panics(t, func() { _, _ = task.Await() })
}

func TestPoolFIFOOrder(t *testing.T) {
	pool := newTestPool(t, 2)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	// The second worker stays parked on this gate so the remaining
	// resumptions drain through a single worker in enqueue order.
	gate := make(chan struct{})
	pool.Submit(func() {
		<-gate
	})

	const n = 16
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		pool.Submit(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	close(gate)

	for i := 1; i < len(order); i++ {
		assert.Less(t, order[i-1], order[i], "FIFO order violated: %v", order)
	}
}

func TestPoolStopDrainsQueued(t *testing.T) {
	pool := NewPool(2, nil, nil)

	var count atomic.Int32
	for i := 0; i < 8; i++ {
		pool.Submit(func() {
			time.Sleep(time.Millisecond)
			count.Add(1)
		})
	}
	pool.Stop()
	assert.Equal(t, int32(8), count.Load(), "queued resumptions must run before workers exit")
}
