package reactor

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/ocx/backend/internal/rpcrequest"
)

// connRecorder wraps an accepted connection, teeing every byte read into
// an internal buffer so the generic callback can recover the wire order
// of a request's headers — information net/http's parsed http.Header (a
// plain map) discards by the time a handler sees it, but which spec.md
// §4.D requires GetAllInputHeaders to preserve.
type connRecorder struct {
	net.Conn
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *connRecorder) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.mu.Lock()
		c.buf.Write(p[:n])
		c.mu.Unlock()
	}
	return n, err
}

// reset clears the recorded bytes. Called on the http.StateIdle
// transition, once the previous reply on this (keep-alive) connection
// has completed and before the next request is read, so each request's
// capture starts clean.
func (c *connRecorder) reset() {
	c.mu.Lock()
	c.buf.Reset()
	c.mu.Unlock()
}

// headerBlock returns everything recorded since the last reset, up to
// but excluding the blank line terminating the header block. Bytes
// net/http's buffered reader happened to read ahead into the body are
// excluded by the search for the first "\r\n\r\n".
func (c *connRecorder) headerBlock() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := c.buf.Bytes()
	if idx := bytes.Index(data, []byte("\r\n\r\n")); idx >= 0 {
		data = data[:idx]
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

// recordingListener wraps every accepted connection in a connRecorder.
type recordingListener struct {
	net.Listener
}

func (l *recordingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &connRecorder{Conn: c}, nil
}

type connRecorderKey struct{}

// withConnRecorder is installed as an http.Server's ConnContext hook so
// handle() can recover the connRecorder for the connection a request
// arrived on.
func withConnRecorder(ctx context.Context, c net.Conn) context.Context {
	if rec, ok := c.(*connRecorder); ok {
		return context.WithValue(ctx, connRecorderKey{}, rec)
	}
	return ctx
}

// resetConnRecorderOnIdle is installed as an http.Server's ConnState
// hook: StateIdle fires after a reply has finished and before the next
// request's bytes are read, which is when a fresh per-request capture
// should begin. (StateActive is too late: net/http reports it only
// after the whole header block has already been read.) The first
// request on a connection needs no reset, as the buffer starts empty.
func resetConnRecorderOnIdle(c net.Conn, state http.ConnState) {
	if state != http.StateIdle {
		return
	}
	if rec, ok := c.(*connRecorder); ok {
		rec.reset()
	}
}

// headerOrder recovers the wire order of r's input headers from the
// connRecorder stashed in its context by withConnRecorder. It returns
// nil — meaning "no ordering information available" — when the request
// did not arrive through a recordingListener (e.g. a test that calls the
// handler directly) or the header block could not be located.
func headerOrder(r *http.Request) []rpcrequest.HeaderPair {
	rec, ok := r.Context().Value(connRecorderKey{}).(*connRecorder)
	if !ok {
		return nil
	}
	return parseHeaderOrder(rec.headerBlock())
}

// parseHeaderOrder walks a raw "request-line\r\nHeader: value\r\n..."
// block line by line, in the order the lines appeared on the wire.
// Obsolete line folding (a continuation line starting with space or tab)
// is appended to the previous header's value, per RFC 7230 §3.2.4.
func parseHeaderOrder(block []byte) []rpcrequest.HeaderPair {
	lines := strings.Split(string(block), "\r\n")
	if len(lines) == 0 {
		return nil
	}
	lines = lines[1:] // drop the request line
	var out []rpcrequest.HeaderPair
	for _, line := range lines {
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(out) > 0 {
			out[len(out)-1].Value += " " + strings.TrimSpace(line)
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		name := http.CanonicalHeaderKey(strings.TrimSpace(line[:idx]))
		value := strings.TrimSpace(line[idx+1:])
		out = append(out, rpcrequest.HeaderPair{Name: name, Value: value})
	}
	return out
}
