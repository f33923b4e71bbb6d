package multiplayer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/database"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/events"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/logger"
)

// EventLogger 寫入房間事件紀錄
//
// 寫入失敗只記錄警告，不影響房間操作；鏡像到 JetStream 也是盡力而為。
type EventLogger struct {
	store     database.Store
	publisher events.Publisher
	logger    *slog.Logger
}

// NewEventLogger 創建事件紀錄器，publisher 可以為 nil
func NewEventLogger(store database.Store, publisher events.Publisher, logger *slog.Logger) *EventLogger {
	return &EventLogger{
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// Log 寫入一筆事件
func (l *EventLogger) Log(ctx context.Context, event *database.RoomEvent) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	ctx = logger.WithRoomID(ctx, event.RoomID)

	if err := l.store.LogRoomEvent(ctx, event); err != nil {
		l.logger.WarnContext(ctx, "failed to log room event",
			"event_type", event.Type.String(),
			"error", err)
	}

	if l.publisher == nil {
		return
	}
	if err := l.publisher.Publish(ctx, event); err != nil {
		l.logger.WarnContext(ctx, "failed to publish room event",
			"event_type", event.Type.String(),
			"error", err)
	}
}

func (l *EventLogger) logUser(ctx context.Context, eventType database.EventType, roomID, userID int64) {
	l.Log(ctx, &database.RoomEvent{
		RoomID: roomID,
		Type:   eventType,
		UserID: &userID,
	})
}

func (l *EventLogger) logItem(ctx context.Context, eventType database.EventType, roomID, itemID int64, detail any) {
	event := &database.RoomEvent{
		RoomID:         roomID,
		Type:           eventType,
		PlaylistItemID: &itemID,
	}
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err == nil {
			event.Detail = raw
		}
	}
	l.Log(ctx, event)
}

// RoomCreated 房間第一次被載入
func (l *EventLogger) RoomCreated(ctx context.Context, roomID, userID int64) {
	l.logUser(ctx, database.EventRoomCreated, roomID, userID)
}

// RoomDisbanded 最後一位成員離開
func (l *EventLogger) RoomDisbanded(ctx context.Context, roomID, userID int64) {
	l.logUser(ctx, database.EventRoomDisbanded, roomID, userID)
}

// PlayerJoined 成員加入
func (l *EventLogger) PlayerJoined(ctx context.Context, roomID, userID int64) {
	l.logUser(ctx, database.EventPlayerJoined, roomID, userID)
}

// PlayerLeft 成員離開
func (l *EventLogger) PlayerLeft(ctx context.Context, roomID, userID int64) {
	l.logUser(ctx, database.EventPlayerLeft, roomID, userID)
}

// PlayerKicked 成員被踢出
func (l *EventLogger) PlayerKicked(ctx context.Context, roomID, userID int64) {
	l.logUser(ctx, database.EventPlayerKicked, roomID, userID)
}

// HostChanged 房主變更，userID 為新房主
func (l *EventLogger) HostChanged(ctx context.Context, roomID, userID int64) {
	l.logUser(ctx, database.EventHostChanged, roomID, userID)
}

// GameStarted 比賽開始，detail 為對戰模式的房間資料
func (l *EventLogger) GameStarted(ctx context.Context, roomID, itemID int64, detail any) {
	l.logItem(ctx, database.EventGameStarted, roomID, itemID, detail)
}

// GameAborted 沒有人載入完成
func (l *EventLogger) GameAborted(ctx context.Context, roomID, itemID int64) {
	l.logItem(ctx, database.EventGameAborted, roomID, itemID, nil)
}

// GameCompleted 比賽結束
func (l *EventLogger) GameCompleted(ctx context.Context, roomID, itemID int64) {
	l.logItem(ctx, database.EventGameCompleted, roomID, itemID, nil)
}
