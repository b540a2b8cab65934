// Package rpcserver is the lifecycle controller of spec.md §4.G: it
// owns the ACL, router, work queue, and reactor for one Init→Stop
// window, and drives the Uninitialized → Initialized → Running →
// Interrupting → Stopped state machine.
//
// State modeled on internal/circuitbreaker/breaker.go's State type.
package rpcserver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ocx/backend/internal/acl"
	"github.com/ocx/backend/internal/adminsrv"
	"github.com/ocx/backend/internal/config"
	"github.com/ocx/backend/internal/metrics"
	"github.com/ocx/backend/internal/pathrouter"
	"github.com/ocx/backend/internal/reactor"
	"github.com/ocx/backend/internal/trigger"
	"github.com/ocx/backend/internal/workqueue"
)

// multiSink fans an admission decision out to every configured sink,
// e.g. the durable audit log and the admin surface's live stream.
type multiSink struct {
	sinks []reactor.AuditSink
}

func (m multiSink) Record(peer, uri string, status int) {
	for _, s := range m.sinks {
		if s != nil {
			s.Record(peer, uri, status)
		}
	}
}

// State is a lifecycle controller's current phase.
type State int

const (
	Uninitialized State = iota
	Initialized
	Running
	Interrupting
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Initialized:
		return "INITIALIZED"
	case Running:
		return "RUNNING"
	case Interrupting:
		return "INTERRUPTING"
	case Stopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Controller is the process-wide aggregate spec.md §3 describes: the
// reactor base, the router list, the ACL list, the work queue, the
// bound sockets (owned inside reactor), and the worker-thread pool.
type Controller struct {
	mu    sync.Mutex
	state State

	cfg      *config.Config
	acl      *acl.ACL
	router   *pathrouter.Router
	queue    *workqueue.Queue
	reactor  *reactor.Reactor
	registry *prometheus.Registry
	admin    *adminsrv.Server

	workerWG      sync.WaitGroup
	triggerCancel context.CancelFunc
}

// New returns a fresh, Uninitialized controller.
func New() *Controller {
	return &Controller{state: Uninitialized}
}

// Init builds the ACL, router, work queue, and reactor, and binds every
// configured listener. It does not launch any threads. Failure (bad ACL
// entries, no socket bound) leaves the controller Uninitialized with no
// partial resources retained.
func (c *Controller) Init(cfg *config.Config, audit reactor.AuditSink) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Uninitialized {
		return false, fmt.Errorf("rpcserver: Init called from state %s, want %s", c.state, Uninitialized)
	}

	a, err := acl.Build(cfg.RPC.AllowIP)
	if err != nil {
		return false, fmt.Errorf("rpcserver: bad ACL: %w", err)
	}

	router := pathrouter.New()
	registry := metrics.NewRegistry()
	queue := workqueue.New(cfg.RPC.WorkQueueDepth, registry)

	var admin *adminsrv.Server
	effectiveAudit := audit
	if cfg.Admin.Enabled {
		admin, err = adminsrv.New(&cfg.Admin, registry)
		if err != nil {
			return false, fmt.Errorf("rpcserver: admin surface: %w", err)
		}
		effectiveAudit = multiSink{sinks: []reactor.AuditSink{audit, admin}}
	}

	re := reactor.New(cfg, a, router, queue, registry, effectiveAudit)

	if err := re.BindAddresses(); err != nil {
		return false, fmt.Errorf("rpcserver: %w", err)
	}

	c.cfg = cfg
	c.acl = a
	c.router = router
	c.queue = queue
	c.reactor = re
	c.registry = registry
	c.admin = admin
	c.state = Initialized
	return true, nil
}

// Start launches the reactor's trigger-delivery goroutine, one
// http.Server per bound listener, and max(1, rpcthreads) worker
// goroutines draining the work queue.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Initialized {
		return fmt.Errorf("rpcserver: Start called from state %s, want %s", c.state, Initialized)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.triggerCancel = cancel
	c.reactor.Serve(ctx)

	if c.admin != nil {
		if err := c.admin.Start(); err != nil {
			return fmt.Errorf("rpcserver: admin surface: %w", err)
		}
	}

	threads := c.cfg.RPC.Threads
	if threads < 1 {
		threads = 1
	}
	for i := 0; i < threads; i++ {
		c.workerWG.Add(1)
		go func() {
			defer c.workerWG.Done()
			c.queue.Run()
		}()
	}

	c.state = Running
	slog.Info("rpcserver: started", "worker_threads", threads)
	return nil
}

// Interrupt replaces the effective behavior of every endpoint with "503
// on everything" and clears the work queue's running flag so idle
// workers drain their wait and exit. In-flight handler bodies are left
// to finish naturally.
func (c *Controller) Interrupt() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Running {
		return fmt.Errorf("rpcserver: Interrupt called from state %s, want %s", c.state, Running)
	}

	c.reactor.Interrupt()
	c.queue.Interrupt()
	c.state = Interrupting
	slog.Info("rpcserver: interrupting")
	return nil
}

// Stop joins the worker pool, stops the trigger dispatcher, closes every
// listener and HTTP server, and moves the controller to Stopped, a
// terminal state: Init on a stopped controller fails. The façade's
// InitHTTPServer builds a fresh Controller with New for each Init.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Interrupting {
		return fmt.Errorf("rpcserver: Stop called from state %s, want %s", c.state, Interrupting)
	}

	c.workerWG.Wait()
	c.triggerCancel()

	if err := c.reactor.Shutdown(ctx); err != nil {
		return fmt.Errorf("rpcserver: reactor shutdown: %w", err)
	}

	if c.admin != nil {
		if err := c.admin.Shutdown(ctx); err != nil {
			return fmt.Errorf("rpcserver: admin surface shutdown: %w", err)
		}
	}

	c.state = Stopped
	slog.Info("rpcserver: stopped")
	return nil
}

// EventBase exposes the reactor's trigger dispatcher so external
// handler modules can schedule their own reactor-thread callbacks.
func (c *Controller) EventBase() *trigger.Dispatcher {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reactor == nil {
		return nil
	}
	return c.reactor.EventBase()
}

// RegisterHTTPHandler and UnregisterHTTPHandler are conceptually
// immutable during Running, per spec.md §5: callers must only invoke
// these between Init and Start, or after Interrupt.
func (c *Controller) RegisterHTTPHandler(prefix string, exact bool, handler pathrouter.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.router.Register(prefix, exact, handler)
}

func (c *Controller) UnregisterHTTPHandler(prefix string, exact bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.router.Unregister(prefix, exact)
}

// State reports the controller's current lifecycle phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ACL exposes the built ACL so an embedder can wire it to an external
// hot-reload source (see acl.WatchRedis). It is safe to call any time
// after Init.
func (c *Controller) ACL() *acl.ACL {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acl
}
