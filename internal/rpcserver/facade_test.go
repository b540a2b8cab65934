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

func TestFacadeDrivesSingletonThroughFullLifecycle(t *testing.T) {
	currentMu.Lock()
	current = nil
	currentMu.Unlock()

	ok, err := InitHTTPServer(testConfig(), nil)
	require.NoError(t, err)
	require.True(t, ok)

	RegisterHTTPHandler("/ping", true, func(cfg *config.Config, req *rpcrequest.Request, pathTail string) {
		req.WriteReply(http.StatusOK, []byte("pong"))
	})

	require.NoError(t, StartHTTPServer())
	assert.NotNil(t, EventBase())
	assert.NotNil(t, ACL())

	require.NoError(t, InterruptHTTPServer())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, StopHTTPServer(ctx))
}
