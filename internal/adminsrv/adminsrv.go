// Package adminsrv is the separate, operator-facing admin surface: a
// second HTTP listener (never the RPC port) exposing Prometheus metrics,
// a liveness probe, and a live admission-event stream. It is bearer-
// token authenticated and is expected to sit behind an operator-only
// network boundary, not the RPC ACL.
//
// Grounded on cmd/api/main.go's mux.Router + graceful-shutdown shape and
// internal/websocket/dag_streamer.go's connection-hub pattern.
package adminsrv

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/ocx/backend/internal/config"
)

// AdmissionEvent is one line of the live stream exposed at /debug/requests.
type AdmissionEvent struct {
	Peer      string    `json:"peer"`
	URI       string    `json:"uri"`
	Status    int       `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Server is the admin HTTP surface. It is independent of the reactor's
// listeners and work queue entirely: a slow or saturated RPC front-end
// must never make the admin surface unreachable.
type Server struct {
	cfg       *config.AdminConfig
	tokenHash []byte
	reg       *prometheus.Registry
	srv       *http.Server
	listener  net.Listener

	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]bool
	mu       sync.RWMutex
	events   chan AdmissionEvent
}

// New builds the admin server. tokenHash is a bcrypt hash of the bearer
// token operators must present; an empty cfg.Token disables auth
// entirely (intended only for loopback-bound development use).
func New(cfg *config.AdminConfig, reg *prometheus.Registry) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		reg:     reg,
		clients: make(map[*websocket.Conn]bool),
		events:  make(chan AdmissionEvent, 256),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if cfg.Token != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Token), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		s.tokenHash = hash
	}
	return s, nil
}

// Record implements reactor.AuditSink, so the admin surface can
// optionally be wired as a second, best-effort audit sink feeding the
// live /debug/requests stream. A full channel silently drops the event.
func (s *Server) Record(peer, uri string, status int) {
	select {
	case s.events <- AdmissionEvent{Peer: peer, URI: uri, Status: status, Timestamp: time.Now()}:
	default:
	}
}

// Start builds the router and begins serving on cfg.Addr. It returns
// immediately; call Shutdown to stop. An explicit net.Listen (rather
// than http.Server.ListenAndServe) lets Addr() report the actual bound
// port when cfg.Addr specifies port 0, as tests do.
func (s *Server) Start() error {
	router := mux.NewRouter()
	router.Use(s.authMiddleware)

	router.Handle("/debug/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/debug/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/debug/requests", s.handleEvents)

	go s.broadcastLoop()

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln

	s.srv = &http.Server{
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("adminsrv: listener exited with error", "error", err)
		}
	}()
	return nil
}

// Addr returns the actual bound address, including the OS-assigned port
// when cfg.Addr requested port 0.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown gracefully stops the admin HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenHash == nil {
			next.ServeHTTP(w, r)
			return
		}
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		presented := auth[len(prefix):]
		if bcrypt.CompareHashAndPassword(s.tokenHash, []byte(presented)) != nil {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("adminsrv: websocket upgrade failed", "error", err)
		return
	}
	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.clients, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) broadcastLoop() {
	for evt := range s.events {
		s.mu.Lock()
		for conn := range s.clients {
			if err := conn.WriteJSON(evt); err != nil {
				conn.Close()
				delete(s.clients, conn)
			}
		}
		s.mu.Unlock()
	}
}
