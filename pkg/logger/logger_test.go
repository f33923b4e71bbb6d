package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseLevel 測試日誌級別解析
func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, logger.ParseLevel(tt.input))
		})
	}
}

// TestContextHandler 測試上下文欄位會被加到日誌
func TestContextHandler(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf, "debug", "json", false).With("component", "test")

	ctx := logger.WithUserID(context.Background(), 1001)
	ctx = logger.WithConnectionID(ctx, "conn-1")
	ctx = logger.WithRoomID(ctx, 7)

	log.InfoContext(ctx, "user joined")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))

	assert.Equal(t, "user joined", record["msg"])
	assert.Equal(t, "test", record["component"])
	assert.EqualValues(t, 1001, record["user_id"])
	assert.Equal(t, "conn-1", record["connection_id"])
	assert.EqualValues(t, 7, record["room_id"])
}

// TestMetrics 測試指標日誌格式
func TestMetrics(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf, "info", "json", false)

	logger.Metrics(context.Background(), log, "join_room", 1500*time.Microsecond, slog.Int64("room_id", 3))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))

	assert.Equal(t, "metrics", record["msg"])
	assert.Equal(t, "join_room", record["operation"])
	assert.InDelta(t, 1.5, record["duration_ms"], 0.001)
	assert.EqualValues(t, 3, record["room_id"])
}
