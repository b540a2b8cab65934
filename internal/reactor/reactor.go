// Package reactor is the event-loop side of the RPC HTTP front-end: it
// binds listeners, accepts and parses HTTP/1.1 requests, and runs the
// generic admission callback (ACL → router → work queue) described in
// spec.md §4.F.
//
// net/http's transport is natively concurrent (one goroutine per
// connection), unlike the single-threaded libevent reactor spec.md is
// modeled on. Rather than fight that, every reply write is funneled
// through a single trigger.Dispatcher goroutine — "the reactor thread"
// for the purposes of this design — so the spec's core invariant (only
// the reactor thread ever touches a connection's write path) still
// holds: parsing is naturally concurrent, but every WriteReply resolves
// to exactly one send executed on that one goroutine. See SPEC_FULL.md
// §3.F for the full rationale.
package reactor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ocx/backend/internal/acl"
	"github.com/ocx/backend/internal/config"
	"github.com/ocx/backend/internal/pathrouter"
	"github.com/ocx/backend/internal/rpcrequest"
	"github.com/ocx/backend/internal/trigger"
	"github.com/ocx/backend/internal/workqueue"
)

// AuditSink receives admission-path rejections (400/403/404/500/503) for
// optional out-of-band logging. Implemented by internal/auditlog; nil
// disables audit recording entirely.
type AuditSink interface {
	Record(peer, uri string, status int)
}

// Reactor owns the bound listeners, the dedicated trigger-delivery
// goroutine, and the generic request callback. One Reactor corresponds
// to one Init→Stop window of the lifecycle controller.
type Reactor struct {
	cfg      *config.Config
	acl      *acl.ACL
	router   *pathrouter.Router
	queue    *workqueue.Queue
	triggers *trigger.Dispatcher
	audit    AuditSink

	listeners []net.Listener
	servers   []*http.Server
	wg        sync.WaitGroup

	closing atomic.Bool // true once Interrupt has been called

	requestTotal    *prometheus.CounterVec
	admissionDenied *prometheus.CounterVec
}

// New constructs a Reactor. reg is the shared metrics registry (see
// internal/metrics); a nil audit sink disables admission audit logging.
func New(cfg *config.Config, a *acl.ACL, router *pathrouter.Router, queue *workqueue.Queue, reg *prometheus.Registry, audit AuditSink) *Reactor {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Reactor{
		cfg:      cfg,
		acl:      a,
		router:   router,
		queue:    queue,
		triggers: trigger.NewDispatcher(cfg.RPC.WorkQueueDepth * 2),
		audit:    audit,
		requestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rpcfrontend_requests_total",
			Help: "Total RPC requests observed by the reactor, by final status code.",
		}, []string{"status"}),
		admissionDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rpcfrontend_admission_denied_total",
			Help: "Total requests denied at admission, by reason.",
		}, []string{"reason"}),
	}
}

// endpoint is a resolved (host, port) bind target.
type endpoint struct {
	host string
	port int
}

func (e endpoint) addr() string {
	return net.JoinHostPort(e.host, fmt.Sprintf("%d", e.port))
}

// resolveBindEndpoints implements spec.md §4.F's BindAddresses policy.
func resolveBindEndpoints(cfg *config.Config) []endpoint {
	hasBind := len(cfg.RPC.Bind) > 0
	hasAllow := len(cfg.RPC.AllowIP) > 0

	loopback := []endpoint{
		{host: "127.0.0.1", port: cfg.RPC.Port},
		{host: "::1", port: cfg.RPC.Port},
	}

	switch {
	case !hasBind && !hasAllow:
		return loopback
	case hasAllow && !hasBind:
		slog.Warn("reactor: -rpcallowip configured without -rpcbind, binding loopback only")
		return loopback
	case hasBind && !hasAllow:
		slog.Warn("reactor: -rpcbind ignored because -rpcallowip is not configured; refusing to expose the RPC port without an ACL")
		return loopback
	default:
		out := make([]endpoint, 0, len(cfg.RPC.Bind))
		for _, b := range cfg.RPC.Bind {
			host, portStr, err := net.SplitHostPort(b)
			if err != nil {
				host, portStr = b, ""
			}
			port := cfg.RPC.Port
			if portStr != "" {
				if p, perr := parsePort(portStr); perr == nil {
					port = p
				}
			}
			out = append(out, endpoint{host: host, port: port})
		}
		return out
	}
}

func parsePort(s string) (int, error) {
	var p int
	_, err := fmt.Sscanf(s, "%d", &p)
	return p, err
}

// BindAddresses resolves and binds every configured endpoint. Binding is
// best-effort: a listener that fails to bind is logged and skipped; the
// overall call succeeds iff at least one endpoint bound.
func (re *Reactor) BindAddresses() error {
	endpoints := resolveBindEndpoints(re.cfg)
	for _, ep := range endpoints {
		ln, err := net.Listen("tcp", ep.addr())
		if err != nil {
			slog.Error("reactor: failed to bind RPC endpoint, skipping", "addr", ep.addr(), "error", err)
			continue
		}
		re.listeners = append(re.listeners, &recordingListener{Listener: ln})
	}
	if len(re.listeners) == 0 {
		return fmt.Errorf("reactor: no RPC endpoint could be bound")
	}
	return nil
}

// Serve starts one http.Server per bound listener plus the dedicated
// trigger-delivery goroutine, and returns immediately; ctx cancellation
// stops the trigger-delivery goroutine (listener shutdown is driven
// separately by Stop/Shutdown).
func (re *Reactor) Serve(ctx context.Context) {
	go re.triggers.Run(ctx)

	for _, ln := range re.listeners {
		srv := &http.Server{
			Handler:        http.HandlerFunc(re.handle),
			MaxHeaderBytes: 8 << 10, // 8 KiB, spec.md §4.F
			ReadTimeout:    time.Duration(re.cfg.RPC.ServerTimeoutSec) * time.Second,
			WriteTimeout:   time.Duration(re.cfg.RPC.ServerTimeoutSec) * time.Second,
			IdleTimeout:    time.Duration(re.cfg.RPC.ServerTimeoutSec) * time.Second,
			ConnContext:    withConnRecorder,
			ConnState:      resetConnRecorderOnIdle,
		}
		re.servers = append(re.servers, srv)

		re.wg.Add(1)
		go func(srv *http.Server, ln net.Listener) {
			defer re.wg.Done()
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				slog.Error("reactor: listener exited with error", "addr", ln.Addr().String(), "error", err)
			}
		}(srv, ln)
	}
}

// Interrupt flips the reactor into "503 on everything" mode. New
// requests stop being routed or enqueued; in-flight worker-side handlers
// are left to finish naturally.
func (re *Reactor) Interrupt() {
	re.closing.Store(true)
}

// Shutdown closes every listener and HTTP server, then waits for their
// Serve goroutines to return. Per spec.md §4.G this must happen only
// after the work queue's workers have already been joined by the caller.
func (re *Reactor) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, srv := range re.servers {
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	re.wg.Wait()
	re.listeners = nil
	re.servers = nil
	return firstErr
}

// EventBase exposes the trigger dispatcher so external modules can
// schedule their own reactor-thread callbacks, per spec.md §6.
func (re *Reactor) EventBase() *trigger.Dispatcher {
	return re.triggers
}

// handle is the generic request callback of spec.md §4.F.
func (re *Reactor) handle(w http.ResponseWriter, r *http.Request) {
	// Step 1 (defensive version-window workaround in the original
	// libevent implementation) has no analogue here: net/http's request
	// body is wrapped in a bounded reader below and is read only by the
	// handler through the request object, so there is no "stream still
	// readable after dispatch" hazard to guard against.

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	if re.cfg.RPC.TraceEnabled {
		slog.Debug("reactor: trace request", "peer", host, "method", r.Method, "uri", r.RequestURI, "headers", r.Header)
	}

	if re.closing.Load() {
		re.replyInline(w, http.StatusServiceUnavailable, nil)
		re.record(host, r.RequestURI, http.StatusServiceUnavailable, "shutting_down")
		return
	}

	if !re.acl.Allowed(host) {
		re.replyInline(w, http.StatusForbidden, nil)
		re.record(host, r.RequestURI, http.StatusForbidden, "acl_denied")
		return
	}

	method := rpcrequest.ParseMethod(r.Method)
	if method == rpcrequest.Unknown {
		re.replyInline(w, http.StatusBadRequest, nil)
		re.record(host, r.RequestURI, http.StatusBadRequest, "unknown_method")
		return
	}

	slog.Info("reactor: request", "method", method.String(), "uri", sanitizeURI(r.RequestURI), "peer", host)

	handler, pathTail, ok := re.router.Lookup(r.RequestURI)
	if !ok {
		re.replyInline(w, http.StatusNotFound, nil)
		re.record(host, r.RequestURI, http.StatusNotFound, "no_handler")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, re.cfg.MaxBodySize())

	// net/http invalidates w the instant this handler func returns, so
	// the per-connection goroutine must block until the trigger-goroutine
	// send actually happens — it cannot return the moment the item is
	// handed to the queue the way a true libevent reactor's callback
	// could. done is closed by sendReply once the send completes.
	done := make(chan struct{})
	req := rpcrequest.New(r, w, host, re.triggers, re.closing.Load(), re.sendReply(w, done), headerOrder(r))

	enqueued := re.queue.Enqueue(workqueue.Item{
		Run: func() {
			defer req.Close()
			handler(re.cfg, req, pathTail)
		},
		// If this item is still pending when Interrupt fires, it is never
		// run — Discard still closes the request so it gets the
		// destructor's synthetic 500 instead of leaking its connection
		// goroutine blocked on <-done forever.
		Discard: func() {
			req.Close()
		},
	})
	if !enqueued {
		req.WriteReply(http.StatusInternalServerError, []byte("Work queue depth exceeded"))
		slog.Warn("reactor: work queue depth exceeded, rejecting request", "peer", host, "uri", r.RequestURI)
		re.record(host, r.RequestURI, http.StatusInternalServerError, "queue_full")
		<-done
		return
	}
	re.record(host, r.RequestURI, 0, "enqueued")
	<-done
}

// sendReply returns the ReplyFunc a Request uses to perform its actual
// send; it always runs on the reactor's trigger-delivery goroutine, and
// always closes done as its last act so the blocked connection
// goroutine in handle() can return. Headers are added in the exact order
// WriteHeader queued them; note that net/http's own response writer
// always serializes the wire bytes in sorted key order regardless of
// Add() call order, which is a net/http limitation outside this
// component's control — GetAllOutputHeaders still reports the order the
// handler actually called WriteHeader in.
func (re *Reactor) sendReply(w http.ResponseWriter, done chan struct{}) rpcrequest.ReplyFunc {
	return func(status int, headers []rpcrequest.HeaderPair, body []byte) {
		defer close(done)
		for _, hp := range headers {
			w.Header().Add(hp.Name, hp.Value)
		}
		w.WriteHeader(status)
		_, _ = w.Write(body)
		re.requestTotal.WithLabelValues(fmt.Sprintf("%d", status)).Inc()
	}
}

// replyInline answers directly on the reactor/connection goroutine for
// admission-time rejections that never reach the work queue (403, 400,
// 404, 503) — spec.md §4.F says these are replied "inline".
func (re *Reactor) replyInline(w http.ResponseWriter, status int, body []byte) {
	w.WriteHeader(status)
	if body != nil {
		_, _ = w.Write(body)
	}
	re.requestTotal.WithLabelValues(fmt.Sprintf("%d", status)).Inc()
}

func (re *Reactor) record(peer, uri string, status int, reason string) {
	if status != 0 && status >= 400 {
		re.admissionDenied.WithLabelValues(reason).Inc()
		// queue_full is already logged at Warn by handle.
		if reason != "queue_full" {
			slog.Warn("reactor: request rejected at admission", "peer", peer, "uri", sanitizeURI(uri), "status", status, "reason", reason)
		}
	}
	if re.audit != nil && status != 0 {
		re.audit.Record(peer, uri, status)
	}
}

// sanitizeURI truncates to 100 characters and strips anything outside a
// safe printable-ASCII subset, per spec.md §4.F step 4 (this is a log
// line, not the wire value — the router still sees the raw RequestURI).
func sanitizeURI(uri string) string {
	const maxLen = 100
	var b strings.Builder
	for i, r := range uri {
		if i >= maxLen {
			b.WriteString("...")
			break
		}
		if r >= 0x20 && r < 0x7f {
			b.WriteRune(r)
		} else {
			b.WriteRune('?')
		}
	}
	return b.String()
}
