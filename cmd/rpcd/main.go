// Command rpcd is an example wiring of the embedded RPC HTTP front-end:
// it drives the Init → Start → Interrupt → Stop lifecycle exactly as an
// embedding full-node process would, and registers one sample handler.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/backend/internal/auditlog"
	"github.com/ocx/backend/internal/config"
	"github.com/ocx/backend/internal/pathrouter"
	"github.com/ocx/backend/internal/rpcrequest"
	"github.com/ocx/backend/internal/rpcserver"
)

func main() {
	cfg := config.Get()

	var audit *auditlog.Sink
	if cfg.Audit.Enabled {
		var err error
		audit, err = auditlog.Open(context.Background(), cfg.Audit.DSN, 2, 1000)
		if err != nil {
			log.Fatalf("rpcd: failed to open audit sink: %v", err)
		}
		defer audit.Close()
	}

	var auditSink interface {
		Record(peer, uri string, status int)
	}
	if audit != nil {
		auditSink = audit
	}

	ok, err := rpcserver.InitHTTPServer(cfg, auditSink)
	if !ok || err != nil {
		log.Fatalf("rpcd: InitHTTPServer failed: %v", err)
	}

	rpcserver.RegisterHTTPHandler("/ping", true, handlePing)

	var redisWatchCancel context.CancelFunc
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		watchCtx, cancel := context.WithCancel(context.Background())
		redisWatchCancel = cancel
		go rpcserver.ACL().WatchRedis(watchCtx, client)
	}

	if err := rpcserver.StartHTTPServer(); err != nil {
		log.Fatalf("rpcd: StartHTTPServer failed: %v", err)
	}
	slog.Info("rpcd: RPC front-end running", "port", cfg.RPC.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("rpcd: shutdown signal received")

	if err := rpcserver.InterruptHTTPServer(); err != nil {
		slog.Error("rpcd: InterruptHTTPServer failed", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rpcserver.StopHTTPServer(ctx); err != nil {
		slog.Error("rpcd: StopHTTPServer failed", "error", err)
	}
	if redisWatchCancel != nil {
		redisWatchCancel()
	}
	slog.Info("rpcd: stopped")
}

// handlePing is a minimal sample handler demonstrating the
// (config, request, pathTail) contract every registered handler follows.
func handlePing(cfg *config.Config, req *rpcrequest.Request, pathTail string) {
	req.WriteHeader("Content-Type", "text/plain")
	req.WriteReply(http.StatusOK, []byte("pong"))
}

var _ pathrouter.Handler = handlePing
