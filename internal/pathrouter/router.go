// Package pathrouter is the linear (prefix, exact-match?, handler) list
// consulted on every admitted request. It is deliberately not a
// tree/trie router: registration only happens during single-threaded
// init and unregistration only during single-threaded teardown, by
// external contract (spec.md §5, §9), so the list carries no internal
// lock and must not be mutated while the reactor is running.
package pathrouter

import (
	"strings"

	"github.com/ocx/backend/internal/config"
	"github.com/ocx/backend/internal/rpcrequest"
)

// Handler is invoked with the node's config, the request, and the
// matched path tail. Per spec.md §6 the handler must call req.WriteReply
// exactly once.
type Handler func(cfg *config.Config, req *rpcrequest.Request, pathTail string)

type entry struct {
	prefix  string
	exact   bool
	handler Handler
}

// Router is an append-only, lock-free-by-contract list of path handlers.
type Router struct {
	entries []entry
}

// New returns an empty router.
func New() *Router {
	return &Router{}
}

// Register appends a new (prefix, exact, handler) triple. Must only be
// called before Start or between requests while the reactor is idle.
func (r *Router) Register(prefix string, exact bool, handler Handler) {
	r.entries = append(r.entries, entry{prefix: prefix, exact: exact, handler: handler})
}

// Unregister removes the first entry matching (prefix, exact) exactly.
// Must only be called after Stop or between requests while the reactor
// is idle.
func (r *Router) Unregister(prefix string, exact bool) {
	for i, e := range r.entries {
		if e.prefix == prefix && e.exact == exact {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// Lookup iterates entries in registration order and returns the first
// match: either an exact entry whose prefix equals uri, or a prefix
// entry for which uri has prefix as a leading substring. ok is false if
// no entry matches.
func (r *Router) Lookup(uri string) (handler Handler, pathTail string, ok bool) {
	for _, e := range r.entries {
		if e.exact {
			if uri == e.prefix {
				return e.handler, "", true
			}
			continue
		}
		if strings.HasPrefix(uri, e.prefix) {
			return e.handler, uri[len(e.prefix):], true
		}
	}
	return nil, "", false
}
