// Package auditlog is an optional, out-of-band admission-decision sink:
// every rejection status the reactor assigns at admission time
// (400/403/404/500/503) can be recorded to Postgres for later review
// without adding database latency to the request path itself. Requests
// admitted to the work queue are not recorded.
//
// Grounded on internal/webhooks/dispatcher.go's shape: a bounded channel
// plus a small fixed worker pool drains it, and a full channel drops the
// record rather than blocking the caller.
package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// Sink implements reactor.AuditSink against a Postgres table. The zero
// value is not usable; construct with Open.
type Sink struct {
	db    *sql.DB
	queue chan record
	wg    sync.WaitGroup
}

type record struct {
	peer   string
	uri    string
	status int
	at     time.Time
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS rpc_admission_audit (
	id         BIGSERIAL PRIMARY KEY,
	peer       TEXT NOT NULL,
	uri        TEXT NOT NULL,
	status     INTEGER NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
)`

// Open connects to dsn, ensures the audit table exists, and starts a
// fixed-size worker pool draining the insert queue. workers defaults to
// 2 when non-positive; depth defaults to 1000.
func Open(ctx context.Context, dsn string, workers, depth int) (*Sink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("auditlog: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("auditlog: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("auditlog: create table: %w", err)
	}

	if workers <= 0 {
		workers = 2
	}
	if depth <= 0 {
		depth = 1000
	}

	s := &Sink{
		db:    db,
		queue: make(chan record, depth),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	return s, nil
}

// Record enqueues an admission decision for asynchronous insertion. It
// never blocks: a full queue drops the record and logs a warning, same
// policy as webhooks.Dispatcher.Emit.
func (s *Sink) Record(peer, uri string, status int) {
	select {
	case s.queue <- record{peer: peer, uri: uri, status: status, at: time.Now()}:
	default:
		slog.Warn("auditlog: queue full, dropping admission record", "peer", peer, "uri", uri, "status", status)
	}
}

func (s *Sink) worker(id int) {
	defer s.wg.Done()
	for rec := range s.queue {
		s.insert(rec)
	}
}

func (s *Sink) insert(rec record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rpc_admission_audit (peer, uri, status, occurred_at) VALUES ($1, $2, $3, $4)`,
		rec.peer, rec.uri, rec.status, rec.at,
	)
	if err != nil {
		slog.Error("auditlog: insert failed", "error", err)
	}
}

// Close drains and stops the worker pool, then closes the database
// connection. In-flight records already queued are still inserted.
func (s *Sink) Close() error {
	close(s.queue)
	s.wg.Wait()
	return s.db.Close()
}
