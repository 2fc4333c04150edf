package logging

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/stretchr/testify/require"
)

func TestInitAttachesLogger(t *testing.T) {
	ctx, err := Init(context.Background(), WithLogLevel("debug"), WithLogFormat(LogFormatConsole))
	require.NoError(t, err)
	require.NotNil(t, ctxzap.Extract(ctx))
}

func TestInitWithOutputPaths(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stocksync.log")

	ctx, err := Init(context.Background(),
		WithLogLevel("info"),
		WithOutputPaths([]string{path}),
	)
	require.NoError(t, err)

	l := ctxzap.Extract(ctx)
	l.Info("log sink check")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "log sink check")
}
