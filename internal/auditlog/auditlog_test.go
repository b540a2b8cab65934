package auditlog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// These tests exercise a real Postgres connection and are skipped unless
// AUDITLOG_TEST_DSN is set, same as any other lib/pq-backed integration
// test that can't run against a fake driver.
func dsnOrSkip(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("AUDITLOG_TEST_DSN")
	if dsn == "" {
		t.Skip("AUDITLOG_TEST_DSN not set, skipping auditlog integration test")
	}
	return dsn
}

func TestOpenCreatesTableAndRecordsAdmission(t *testing.T) {
	dsn := dsnOrSkip(t)
	ctx := context.Background()

	sink, err := Open(ctx, dsn, 2, 100)
	require.NoError(t, err)
	defer sink.Close()

	sink.Record("127.0.0.1", "/rest/chaininfo", 200)
	time.Sleep(100 * time.Millisecond)
}

func TestRecordNeverBlocksWhenQueueFull(t *testing.T) {
	dsn := dsnOrSkip(t)
	ctx := context.Background()

	sink, err := Open(ctx, dsn, 0, 1) // workers=0 replaced with default 2, but depth 1 still saturates fast
	require.NoError(t, err)
	defer sink.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			sink.Record("127.0.0.1", "/rest/chaininfo", 200)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked under queue pressure")
	}
}
