package rpcserver

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/config"
	"github.com/ocx/backend/internal/rpcrequest"
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

func TestLifecycleHappyPath(t *testing.T) {
	c := New()
	assert.Equal(t, Uninitialized, c.State())

	ok, err := c.Init(testConfig(), nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Initialized, c.State())

	c.RegisterHTTPHandler("/ping", true, func(cfg *config.Config, req *rpcrequest.Request, pathTail string) {
		req.WriteReply(http.StatusOK, []byte("pong"))
	})

	require.NoError(t, c.Start())
	assert.Equal(t, Running, c.State())

	require.NoError(t, c.Interrupt())
	assert.Equal(t, Interrupting, c.State())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, Stopped, c.State())
}

func TestStartFromWrongStateFails(t *testing.T) {
	c := New()
	err := c.Start()
	assert.Error(t, err)
}

func TestInterruptFromWrongStateFails(t *testing.T) {
	c := New()
	_, err := c.Init(testConfig(), nil)
	require.NoError(t, err)
	assert.Error(t, c.Interrupt())
}

func TestInitFailsOnBadACLAndStaysUninitialized(t *testing.T) {
	c := New()
	cfg := testConfig()
	cfg.RPC.AllowIP = []string{"not-an-address"}

	ok, err := c.Init(cfg, nil)
	assert.False(t, ok)
	assert.Error(t, err)
	assert.Equal(t, Uninitialized, c.State())
}

func TestEventBaseNilBeforeInit(t *testing.T) {
	c := New()
	assert.Nil(t, c.EventBase())
}
