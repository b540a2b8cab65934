package reactor

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/acl"
	"github.com/ocx/backend/internal/config"
	"github.com/ocx/backend/internal/pathrouter"
	"github.com/ocx/backend/internal/rpcrequest"
	"github.com/ocx/backend/internal/workqueue"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.RPC.Port = 0
	cfg.RPC.Threads = 2
	cfg.RPC.WorkQueueDepth = 4
	cfg.RPC.ServerTimeoutSec = 5
	cfg.RPC.ExcessiveBlockSize = 1 << 20
	return cfg
}

func newTestReactor(t *testing.T, router *pathrouter.Router, queueDepth int) (*Reactor, *workqueue.Queue) {
	t.Helper()
	cfg := testConfig()
	cfg.RPC.WorkQueueDepth = queueDepth

	a, err := acl.Build(nil)
	require.NoError(t, err)

	q := workqueue.New(queueDepth, nil)
	re := New(cfg, a, router, q, nil, nil)

	require.NoError(t, re.BindAddresses())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	re.Serve(ctx)
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
		defer shutdownCancel()
		_ = re.Shutdown(shutdownCtx)
	})

	return re, q
}

func addr(re *Reactor) string {
	return "http://" + re.listeners[0].Addr().String()
}

func TestHandleRoutesToRegisteredHandler(t *testing.T) {
	router := pathrouter.New()
	router.Register("/ping", true, func(cfg *config.Config, req *rpcrequest.Request, pathTail string) {
		req.WriteReply(http.StatusOK, []byte("pong"))
	})

	re, q := newTestReactor(t, router, 4)
	go q.Run()
	t.Cleanup(q.Interrupt)

	resp, err := http.Get(addr(re) + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", string(body))
}

func TestHandleReturns404ForUnknownPath(t *testing.T) {
	router := pathrouter.New()
	re, q := newTestReactor(t, router, 4)
	go q.Run()
	t.Cleanup(q.Interrupt)

	resp, err := http.Get(addr(re) + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleReturns400ForUnsupportedMethod(t *testing.T) {
	router := pathrouter.New()
	router.Register("/ping", true, func(cfg *config.Config, req *rpcrequest.Request, pathTail string) {
		req.WriteReply(http.StatusOK, nil)
	})
	re, q := newTestReactor(t, router, 4)
	go q.Run()
	t.Cleanup(q.Interrupt)

	req, err := http.NewRequest("TRACE", addr(re)+"/ping", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleReturns503WhileClosing(t *testing.T) {
	router := pathrouter.New()
	router.Register("/ping", true, func(cfg *config.Config, req *rpcrequest.Request, pathTail string) {
		req.WriteReply(http.StatusOK, nil)
	})
	re, q := newTestReactor(t, router, 4)
	go q.Run()
	t.Cleanup(q.Interrupt)

	re.Interrupt()

	resp, err := http.Get(addr(re) + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandleReturns500WhenQueueSaturated(t *testing.T) {
	router := pathrouter.New()
	block := make(chan struct{})
	router.Register("/slow", true, func(cfg *config.Config, req *rpcrequest.Request, pathTail string) {
		<-block
		req.WriteReply(http.StatusOK, nil)
	})

	re, q := newTestReactor(t, router, 1)
	go q.Run()
	t.Cleanup(func() {
		close(block)
		q.Interrupt()
	})

	// First request occupies the single worker and blocks; the second
	// fills the depth-1 queue; the third must be rejected with 500.
	errCh := make(chan error, 2)
	go func() {
		resp, err := http.Get(addr(re) + "/slow")
		if err == nil {
			resp.Body.Close()
		}
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	go func() {
		resp, err := http.Get(addr(re) + "/slow")
		if err == nil {
			resp.Body.Close()
		}
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get(addr(re) + "/slow")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	<-errCh
	<-errCh
}
