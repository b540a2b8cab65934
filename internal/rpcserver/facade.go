package rpcserver

import (
	"context"
	"sync"

	"github.com/ocx/backend/internal/acl"
	"github.com/ocx/backend/internal/config"
	"github.com/ocx/backend/internal/pathrouter"
	"github.com/ocx/backend/internal/reactor"
	"github.com/ocx/backend/internal/trigger"
)

// current is the package-level singleton the free-function façade below
// delegates to, matching spec.md §6's module-global API exactly (one
// RPC front-end per process, same as the original bitcoind httpserver).
var (
	currentMu sync.Mutex
	current   *Controller
)

// InitHTTPServer builds the ACL, router, work queue, and reactor from
// cfg and binds every configured listener, returning false (with error)
// if any step fails. audit may be nil to disable admission audit
// logging entirely.
func InitHTTPServer(cfg *config.Config, audit reactor.AuditSink) (bool, error) {
	currentMu.Lock()
	defer currentMu.Unlock()
	current = New()
	return current.Init(cfg, audit)
}

// StartHTTPServer launches the reactor thread and worker pool.
func StartHTTPServer() error {
	currentMu.Lock()
	c := current
	currentMu.Unlock()
	return c.Start()
}

// InterruptHTTPServer switches every endpoint to 503 and begins
// draining the worker pool.
func InterruptHTTPServer() error {
	currentMu.Lock()
	c := current
	currentMu.Unlock()
	return c.Interrupt()
}

// StopHTTPServer joins the worker pool and releases every bound socket.
func StopHTTPServer(ctx context.Context) error {
	currentMu.Lock()
	c := current
	currentMu.Unlock()
	return c.Stop(ctx)
}

// EventBase returns the reactor-owned trigger dispatcher, for modules
// that need to schedule their own reactor-thread callbacks.
func EventBase() *trigger.Dispatcher {
	currentMu.Lock()
	c := current
	currentMu.Unlock()
	if c == nil {
		return nil
	}
	return c.EventBase()
}

// RegisterHTTPHandler registers a path handler with the active
// controller's router.
func RegisterHTTPHandler(prefix string, exact bool, handler pathrouter.Handler) {
	currentMu.Lock()
	c := current
	currentMu.Unlock()
	c.RegisterHTTPHandler(prefix, exact, handler)
}

// UnregisterHTTPHandler removes a previously registered path handler.
func UnregisterHTTPHandler(prefix string, exact bool) {
	currentMu.Lock()
	c := current
	currentMu.Unlock()
	c.UnregisterHTTPHandler(prefix, exact)
}

// ACL returns the active controller's ACL, for wiring an external
// hot-reload source such as acl.WatchRedis.
func ACL() *acl.ACL {
	currentMu.Lock()
	c := current
	currentMu.Unlock()
	if c == nil {
		return nil
	}
	return c.ACL()
}
