package workqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runItem(fn func()) Item {
	return Item{Run: fn}
}

func TestEnqueueRejectsBeyondMaxDepth(t *testing.T) {
	q := New(2, nil)

	block := make(chan struct{})
	require.True(t, q.Enqueue(runItem(func() { <-block })))
	require.True(t, q.Enqueue(runItem(func() {})))
	assert.False(t, q.Enqueue(runItem(func() {})), "third item should be rejected at maxDepth=2")
	close(block)
}

func TestRunExecutesInFIFOOrder(t *testing.T) {
	q := New(8, nil)
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)

	for i := 0; i < 5; i++ {
		i := i
		require.True(t, q.Enqueue(runItem(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})))
	}

	go q.Run()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("items were not all processed in time")
	}
	q.Interrupt()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 5)
	for i := 1; i < len(order); i++ {
		assert.LessOrEqual(t, order[i-1], order[i])
	}
}

func TestInterruptWakesIdleWorkerAndLeavesQueueEmpty(t *testing.T) {
	q := New(4, nil)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Run()
	}()

	q.Interrupt()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after Interrupt")
	}
	assert.Equal(t, 0, q.Len())
}

func TestEnqueueAfterInterruptFails(t *testing.T) {
	q := New(4, nil)
	q.Interrupt()
	assert.False(t, q.Enqueue(runItem(func() {})))
}

// TestInterruptDiscardsPendingItemsInsteadOfDroppingThem is the regression
// test for the leaked-request bug: an item that is still sitting in the
// queue (never popped by a worker) when Interrupt fires must have its
// Discard hook invoked exactly once, never its Run hook, so whatever it
// owns (a request object, in the reactor's case) still gets cleaned up
// instead of leaking.
func TestInterruptDiscardsPendingItemsInsteadOfDroppingThem(t *testing.T) {
	q := New(4, nil)

	var ran, discarded int
	var mu sync.Mutex

	block := make(chan struct{})
	// Occupies the only running worker so the second item never gets popped.
	require.True(t, q.Enqueue(Item{
		Run: func() { <-block },
		Discard: func() {
			mu.Lock()
			discarded++
			mu.Unlock()
		},
	}))
	require.True(t, q.Enqueue(Item{
		Run: func() {
			mu.Lock()
			ran++
			mu.Unlock()
		},
		Discard: func() {
			mu.Lock()
			discarded++
			mu.Unlock()
		},
	}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Run()
	}()

	// Give the worker time to pop and block on the first item before
	// interrupting, so the second item is still pending in the queue.
	time.Sleep(20 * time.Millisecond)
	q.Interrupt()
	close(block)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, ran, "the pending item must never have its Run hook invoked")
	assert.Equal(t, 1, discarded, "the pending item must have its Discard hook invoked exactly once")
}

func TestEnqueueNilDiscardIsSafeToInterrupt(t *testing.T) {
	q := New(4, nil)
	require.True(t, q.Enqueue(runItem(func() {})))
	assert.NotPanics(t, func() { q.Interrupt() })
}
