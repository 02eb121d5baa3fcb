package testutil

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"eventbus/internal/telemetry"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// NewRedis starts an in-process Redis and a client for it. Both are closed
// via t.Cleanup, after anything the test registers later.
func NewRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
	})

	require.NoError(t, rdb.Ping(t.Context()).Err())
	return mr, rdb
}

// NewTestLogger creates a standardized logger for tests. Set TEST_LOGS=1 to
// see the output.
func NewTestLogger() *slog.Logger {
	var out io.Writer = io.Discard
	if os.Getenv("TEST_LOGS") != "" {
		out = os.Stdout
	}
	baseHandler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(telemetry.NewTraceHandler(baseHandler))
}
