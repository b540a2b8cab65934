// Package workqueue is the bounded FIFO of callable work items that sits
// between the reactor thread and the pool of RPC worker goroutines.
//
// The spec mandates a synchronous, non-blocking Enqueue that fails fast
// when the queue is full, and an Interrupt that broadcasts to every
// waiting worker at once and causes any still-pending items to be
// dropped rather than executed. A plain buffered channel gives the
// fail-fast enqueue via select/default, but not the broadcast-interrupt
// or drop-on-interrupt behavior without extra bookkeeping layered on top
// — at that point it is a condition variable with more moving parts, so
// this package uses sync.Mutex/sync.Cond directly.
package workqueue

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Item is an opaque unit of work. It carries exclusive ownership of
// whatever it closes over (the spec's "request object plus resolved
// handler and matched path tail"). Exactly one of Run or Discard is
// invoked exactly once: Run if a worker pops and executes it normally,
// Discard if the item is still pending when the queue is interrupted.
// Discard stands in for the original bitcoind WorkItem's destructor,
// which still runs ~HTTPRequest (and therefore the synthetic 500 safety
// net) on a work item that is destroyed without having been executed;
// Discard must do the same and must be cheap and non-blocking, since it
// runs under Interrupt.
type Item struct {
	Run     func()
	Discard func()
}

// Queue is a bounded FIFO work queue with many producers (reactor
// goroutines admitting requests) and many consumers (RPC worker
// goroutines running Run).
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []Item
	maxDepth int
	running  bool

	depthGauge    prometheus.Gauge
	rejectCounter prometheus.Counter
}

// New creates a queue with the given capacity, registering its depth and
// rejection metrics against reg. maxDepth is clamped to at least 1, per
// spec invariant "capacity maxDepth >= 1". A nil registry is replaced
// with a private one, so repeated construction (e.g. across tests) never
// collides with prometheus's default global registry.
func New(maxDepth int, reg *prometheus.Registry) *Queue {
	if maxDepth < 1 {
		maxDepth = 1
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	q := &Queue{
		maxDepth: maxDepth,
		running:  true,
		depthGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rpcfrontend_workqueue_depth",
			Help: "Current number of pending work items in the RPC work queue.",
		}),
		rejectCounter: factory.NewCounter(prometheus.CounterOpts{
			Name: "rpcfrontend_workqueue_rejected_total",
			Help: "Total work items rejected because the queue was at capacity.",
		}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends item to the back of the queue and wakes one waiting
// worker. It returns false without blocking if the queue is already at
// maxDepth — the caller retains ownership of the item in that case.
func (q *Queue) Enqueue(item Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return false
	}
	if len(q.items) >= q.maxDepth {
		q.rejectCounter.Inc()
		return false
	}
	q.items = append(q.items, item)
	q.depthGauge.Set(float64(len(q.items)))
	q.cond.Signal()
	return true
}

// Run loops: wait until either the queue is no longer running or it is
// non-empty; exit on !running, otherwise pop the front item, release the
// lock, and invoke it outside the lock. Called once per worker goroutine.
func (q *Queue) Run() {
	for {
		q.mu.Lock()
		for q.running && len(q.items) == 0 {
			q.cond.Wait()
		}
		if !q.running && len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.depthGauge.Set(float64(len(q.items)))
		q.mu.Unlock()

		item.Run()
	}
}

// Interrupt marks the queue not-running and wakes every waiting worker.
// Pending items are not executed; instead, each item still queued at the
// moment of interruption has its Discard hook invoked (outside the lock,
// since Discard runs arbitrary caller code) so its owned request still
// gets the destructor's synthetic-500 treatment instead of leaking — the
// Go equivalent of the original bitcoind WorkItem's destructor running
// ~HTTPRequest on a never-executed item. Run then returns for every
// worker once the queue has drained to empty.
func (q *Queue) Interrupt() {
	q.mu.Lock()
	q.running = false
	pending := q.items
	q.items = nil
	q.depthGauge.Set(0)
	q.mu.Unlock()
	q.cond.Broadcast()

	for _, item := range pending {
		if item.Discard != nil {
			item.Discard()
		}
	}
}

// Len reports the current number of pending items (diagnostics only).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
