// Package logger 提供結構化日誌功能
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// contextKey 用於上下文的鍵類型
type contextKey string

const (
	// UserIDKey 使用者 ID 的上下文鍵
	UserIDKey contextKey = "user_id"
	// ConnectionIDKey 連線 ID 的上下文鍵
	ConnectionIDKey contextKey = "connection_id"
	// RoomIDKey 房間 ID 的上下文鍵
	RoomIDKey contextKey = "room_id"
)

// Init 初始化日誌系統並設為預設 logger
//
// outputPath 可為 "stdout"、"stderr" 或檔案路徑。
func Init(level, format, outputPath string, addSource bool) (*slog.Logger, error) {
	var output io.Writer
	switch outputPath {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		// #nosec G304 - outputPath 來自配置檔
		file, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, err
		}
		output = file
	}

	logger := New(output, level, format, addSource)
	slog.SetDefault(logger)
	return logger, nil
}

// New 建立寫到 w 的 logger，不改動預設 logger
func New(w io.Writer, level, format string, addSource bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(level),
		AddSource: addSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format("2006-01-02 15:04:05.000"))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(&contextHandler{Handler: handler})
}

// ParseLevel 解析日誌級別
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// contextHandler 從上下文中提取資訊的處理器
type contextHandler struct {
	slog.Handler
}

// Handle 處理日誌記錄
func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if userID, ok := ctx.Value(UserIDKey).(int64); ok {
		r.AddAttrs(slog.Int64("user_id", userID))
	}

	if connectionID, ok := ctx.Value(ConnectionIDKey).(string); ok && connectionID != "" {
		r.AddAttrs(slog.String("connection_id", connectionID))
	}

	if roomID, ok := ctx.Value(RoomIDKey).(int64); ok {
		r.AddAttrs(slog.Int64("room_id", roomID))
	}

	return h.Handler.Handle(ctx, r)
}

// WithAttrs 保留 contextHandler 包裝
func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup 保留 contextHandler 包裝
func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}

// WithUserID 添加使用者 ID 到上下文
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithConnectionID 添加連線 ID 到上下文
func WithConnectionID(ctx context.Context, connectionID string) context.Context {
	return context.WithValue(ctx, ConnectionIDKey, connectionID)
}

// WithRoomID 添加房間 ID 到上下文
func WithRoomID(ctx context.Context, roomID int64) context.Context {
	return context.WithValue(ctx, RoomIDKey, roomID)
}

// Metrics 記錄指標日誌
func Metrics(ctx context.Context, logger *slog.Logger, operation string, duration time.Duration, attrs ...slog.Attr) {
	baseAttrs := []any{
		slog.String("operation", operation),
		slog.Duration("duration", duration),
		slog.Float64("duration_ms", float64(duration.Microseconds())/1000),
	}

	for _, attr := range attrs {
		baseAttrs = append(baseAttrs, attr)
	}

	logger.InfoContext(ctx, "metrics", baseAttrs...)
}
