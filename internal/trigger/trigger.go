// Package trigger implements the cross-thread trigger: a reactor-owned,
// one-shot or timed signal created by a worker goroutine and always
// delivered on the single reactor goroutine. This is the mechanism
// WriteReply uses to hand a reply back to the goroutine that owns the
// connection, since the underlying HTTP transport's per-connection state
// is not safe to touch from a worker.
//
// Modeled per spec.md §9's own suggested translation for languages
// without raw event-library callbacks: a closure posted to a single-
// consumer channel read by the reactor loop. Go has no explicit
// "delete-on-fire" trigger object to free — a closure posted once and
// run once is simply garbage after it runs, so deleteOnFire has no
// separate representation here.
package trigger

import (
	"context"
	"time"
)

// job is a scheduled callback that is ready to run. Delayed jobs are only
// sent to the dispatcher once their timer fires (see Schedule).
type job struct {
	fn func()
}

// Dispatcher is the reactor-owned consumer of scheduled triggers. Create
// one per reactor instance; Run must be called exactly once, on the
// goroutine that is to become "the reactor thread".
type Dispatcher struct {
	jobs chan job
}

// NewDispatcher creates a trigger dispatcher. depth bounds how many
// scheduled-but-undelivered triggers may be outstanding at once; workers
// block on Schedule beyond that, matching the reactor's "only the
// reactor performs I/O" design — producers here are allowed to block
// because, unlike the work queue, a slow reactor is the condition being
// modeled, not backpressure to avoid.
func NewDispatcher(depth int) *Dispatcher {
	if depth < 1 {
		depth = 1
	}
	return &Dispatcher{jobs: make(chan job, depth)}
}

// Schedule arms a trigger. If delay is nil the job is marked ready
// immediately (queued for the reactor to pick up on its next iteration).
// If delay is non-nil, a timer arms the job for later, but the job is
// still only ever delivered by Run, i.e. on the reactor goroutine.
func (d *Dispatcher) Schedule(delay *time.Duration, fn func()) {
	if delay == nil {
		d.jobs <- job{fn: fn}
		return
	}
	time.AfterFunc(*delay, func() {
		d.jobs <- job{fn: fn}
	})
}

// Run is the reactor loop's trigger-delivery half: it drains scheduled
// jobs and executes each one on the calling goroutine until ctx is
// cancelled. Run occupies its own dedicated goroutine, which the
// reactor's Serve starts alongside its HTTP listeners.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.jobs:
			j.fn()
		}
	}
}
