package logger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger_ExtraCores(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)

	l, err := NewLogger(context.Background(), LoggerConfig{
		ServiceName:   "vm-memory-test",
		IsDebug:       true,
		InitialFields: []zap.Field{WithSnapshotID("snap-1")},
		Cores:         []zapcore.Core{core},
	})
	require.NoError(t, err)

	l.Debug("region inserted", WithGuestAddress(0x1000), WithRegionSize(0x2000))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "region inserted", entries[0].Message)

	fields := entries[0].ContextMap()
	assert.Equal(t, "0x1000", fields["guest.address"])
	assert.Equal(t, uint64(0x2000), fields["region.size"])
	assert.Equal(t, "snap-1", fields["snapshot.id"])
	assert.Equal(t, "vm-memory-test", fields["service"])
}

func TestNewLogger_OutputPath(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "guest-memory.log")

	l, err := NewLogger(context.Background(), LoggerConfig{
		ServiceName: "vm-memory-test",
		CommitSHA:   "abc123",
		OutputPath:  path,
	})
	require.NoError(t, err)

	l.Debug("hidden below info")
	l.Info("diff exported", WithRegionCount(2), WithHostPageSize(4096))
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var record map[string]any
	require.NoError(t, json.Unmarshal(data, &record))

	assert.Equal(t, "diff exported", record["message"])
	assert.Equal(t, "info", record["level"])
	assert.Equal(t, "abc123", record["commit"])
	assert.Equal(t, "vm-memory-test", record["service"])
	assert.InDelta(t, 2, record["memory.regions"], 0)
	assert.InDelta(t, 4096, record["host.page_size"], 0)
	assert.Contains(t, record, "timestamp")
}
