// Package rpcrequest wraps a single in-flight HTTP exchange as it moves
// from the reactor goroutine that accepted it, through the bounded work
// queue, to the worker goroutine that runs its handler, and finally back
// to the reactor goroutine that owns the underlying connection for the
// reply write.
package rpcrequest

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/ocx/backend/internal/trigger"
)

// Method is the normalized HTTP method of a request. Anything outside
// the accepted set maps to Unknown, per spec.md §4.D.
type Method int

const (
	Unknown Method = iota
	Get
	Post
	Head
	Put
	Options
)

func (m Method) String() string {
	switch m {
	case Get:
		return "GET"
	case Post:
		return "POST"
	case Head:
		return "HEAD"
	case Put:
		return "PUT"
	case Options:
		return "OPTIONS"
	default:
		return "UNKNOWN"
	}
}

func ParseMethod(s string) Method {
	switch s {
	case http.MethodGet:
		return Get
	case http.MethodPost:
		return Post
	case http.MethodHead:
		return Head
	case http.MethodPut:
		return Put
	case http.MethodOptions:
		return Options
	default:
		return Unknown
	}
}

// HeaderPair is one (name, value) header. GetAllInputHeaders returns
// these in wire order and GetAllOutputHeaders in WriteHeader call order,
// per spec.md §4.D, rather than by ranging an http.Header map, since Go
// deliberately randomizes map iteration order. The one exception is
// GetAllInputHeaders' fallback when no wire-order capture is available.
type HeaderPair struct {
	Name  string
	Value string
}

// ReplyFunc performs the actual protocol-library send on the reactor
// goroutine: write the status line, the buffered output headers (in the
// order WriteHeader was called), and the buffered output body to w, then
// signal the connection's handler that the reply is complete.
type ReplyFunc func(status int, headers []HeaderPair, body []byte)

// Request is the single-owner wrapper around one HTTP exchange. Exactly
// one reply is ever sent per Request; after WriteReply returns the
// worker must not touch it again.
type Request struct {
	ID     string
	peer   string
	uri    string
	method Method

	r *http.Request
	w http.ResponseWriter

	// inputOrder is the wire order of r's headers, recovered by the
	// reactor's connection-level recorder (see internal/reactor's
	// headerOrder). nil when no recorder was available (e.g. a Request
	// built directly in a test) — GetAllInputHeaders then falls back to
	// map order as a best effort.
	inputOrder []HeaderPair

	outHeaders []HeaderPair
	replySent  bool
	reactor    *trigger.Dispatcher
	closing    bool // true once process shutdown has been requested
	replyFn    ReplyFunc
}

// New wraps r/w as they arrive on the reactor goroutine. reactor is the
// cross-thread trigger dispatcher the eventual WriteReply will schedule
// its send through. closing marks that -Interrupt- has already been
// called, so every reply gets an implicit Connection: close header.
// inputOrder is the wire order of r's input headers, or nil if
// unavailable.
func New(r *http.Request, w http.ResponseWriter, peer string, reactor *trigger.Dispatcher, closing bool, reply ReplyFunc, inputOrder []HeaderPair) *Request {
	return &Request{
		ID:         uuid.NewString(),
		peer:       peer,
		uri:        r.RequestURI,
		method:     ParseMethod(r.Method),
		r:          r,
		w:          w,
		inputOrder: inputOrder,
		reactor:    reactor,
		closing:    closing,
		replyFn:    reply,
	}
}

func (req *Request) GetPeer() string          { return req.peer }
func (req *Request) GetURI() string           { return req.uri }
func (req *Request) GetRequestMethod() Method { return req.method }

// GetHeader returns a single input header value, case-insensitive per
// HTTP (net/http.Header already normalizes case on Get).
func (req *Request) GetHeader(name string) (string, bool) {
	v := req.r.Header.Get(name)
	if v == "" {
		_, present := req.r.Header[http.CanonicalHeaderKey(name)]
		return "", present
	}
	return v, true
}

// GetAllInputHeaders returns the request's headers in wire order. Falls
// back to map-derived (non-wire) order only when the reactor could not
// recover the original ordering (no connection recorder attached).
func (req *Request) GetAllInputHeaders() []HeaderPair {
	if req.inputOrder != nil {
		out := make([]HeaderPair, len(req.inputOrder))
		copy(out, req.inputOrder)
		return out
	}
	return flattenHeaders(req.r.Header)
}

// GetAllOutputHeaders returns the headers queued so far for the reply,
// in the exact order WriteHeader was called.
func (req *Request) GetAllOutputHeaders() []HeaderPair {
	out := make([]HeaderPair, len(req.outHeaders))
	copy(out, req.outHeaders)
	return out
}

// flattenHeaders is the fallback used only when no wire-order capture is
// available; map iteration order is not wire order, but it is the best
// information left once net/http has already parsed the request.
func flattenHeaders(h http.Header) []HeaderPair {
	out := make([]HeaderPair, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			out = append(out, HeaderPair{Name: name, Value: v})
		}
	}
	return out
}

// ReadBody returns the entire body as bytes. If drain is true the
// underlying input buffer is emptied (subsequent reads return io.EOF).
func (req *Request) ReadBody(drain bool) ([]byte, error) {
	body, err := io.ReadAll(req.r.Body)
	if err != nil {
		return nil, err
	}
	if drain {
		req.r.Body = io.NopCloser(bytes.NewReader(nil))
	} else {
		req.r.Body = io.NopCloser(bytes.NewReader(body))
	}
	return body, nil
}

// WriteHeader appends an output header, preserving call order. Must be
// called before WriteReply.
func (req *Request) WriteHeader(name, value string) {
	if req.replySent {
		panic("rpcrequest: WriteHeader called after WriteReply")
	}
	req.outHeaders = append(req.outHeaders, HeaderPair{Name: http.CanonicalHeaderKey(name), Value: value})
}

// WriteReply schedules the reply. The body is copied on the calling
// (worker) goroutine; the actual protocol-library send is performed by a
// one-shot, immediately-armed cross-thread trigger running on the
// reactor goroutine, matching spec.md §4.D exactly. It is a fatal
// contract violation to call any other operation on req afterward.
func (req *Request) WriteReply(status int, body []byte) {
	if req.replySent {
		panic("rpcrequest: WriteReply called twice on the same request")
	}
	if req.closing {
		req.outHeaders = append(req.outHeaders, HeaderPair{Name: "Connection", Value: "close"})
	}

	bodyCopy := append([]byte(nil), body...)
	headers := make([]HeaderPair, len(req.outHeaders))
	copy(headers, req.outHeaders)
	replyFn := req.replyFn
	dispatcher := req.reactor

	// replySent is set, and the handle reference cleared, before the
	// trigger is even scheduled: per spec.md §9, guard the invariant
	// before any side effect that could fail, so a dispatch-time panic
	// can never leave the request in a state where a second WriteReply
	// looks legal.
	req.replySent = true
	req.reactor = nil
	req.r = nil
	req.w = nil

	dispatcher.Schedule(nil, func() {
		replyFn(status, headers, bodyCopy)
	})
}

// Close is the Go stand-in for spec.md §4.D's destructor: if replySent
// is false, it emits a synthetic 500 and logs. The reactor's work item
// defers this after running the handler, and calls it from Discard when
// the item is dropped by Interrupt without running.
func (req *Request) Close() {
	if req.replySent {
		return
	}
	slog.Warn("rpcrequest: request destroyed without a reply, emitting synthetic 500", "uri", req.uri, "peer", req.peer, "id", req.ID)
	req.WriteReply(http.StatusInternalServerError, []byte("Unhandled request"))
}
