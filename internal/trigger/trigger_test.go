package trigger

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduleImmediateRunsOnRunGoroutine(t *testing.T) {
	d := NewDispatcher(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	done := make(chan struct{})
	d.Schedule(nil, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduled job never ran")
	}
}

func TestScheduleDelayedFiresAfterDelay(t *testing.T) {
	d := NewDispatcher(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	var fired atomic.Bool
	delay := 30 * time.Millisecond
	d.Schedule(&delay, func() { fired.Store(true) })

	time.Sleep(10 * time.Millisecond)
	assert.False(t, fired.Load(), "should not have fired before the delay elapsed")

	time.Sleep(60 * time.Millisecond)
	assert.True(t, fired.Load(), "should have fired after the delay elapsed")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	d := NewDispatcher(4)
	ctx, cancel := context.WithCancel(context.Background())

	runReturned := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(runReturned)
	}()

	cancel()
	select {
	case <-runReturned:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestMultipleScheduledJobsAllRun(t *testing.T) {
	d := NewDispatcher(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	var count atomic.Int32
	for i := 0; i < 5; i++ {
		d.Schedule(nil, func() { count.Add(1) })
	}

	assert.Eventually(t, func() bool { return count.Load() == 5 }, time.Second, 5*time.Millisecond)
}
