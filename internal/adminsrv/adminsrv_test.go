package adminsrv

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/config"
	"github.com/ocx/backend/internal/metrics"
)

func startTestServer(t *testing.T, token string) *Server {
	t.Helper()
	cfg := &config.AdminConfig{Addr: "127.0.0.1:0", Token: token}
	s, err := New(cfg, metrics.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func TestHealthEndpointRequiresNoAuthWhenTokenEmpty(t *testing.T) {
	s := startTestServer(t, "")

	resp, err := http.Get("http://" + s.Addr() + "/debug/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpointRejectsMissingTokenWhenConfigured(t *testing.T) {
	s := startTestServer(t, "s3cret")

	resp, err := http.Get("http://" + s.Addr() + "/debug/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMetricsEndpointAcceptsValidBearerToken(t *testing.T) {
	s := startTestServer(t, "s3cret")

	req, err := http.NewRequest(http.MethodGet, "http://"+s.Addr()+"/debug/metrics", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
