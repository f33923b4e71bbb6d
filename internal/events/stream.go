// Package events 把房間事件鏡像到 NATS JetStream
//
// 資料庫的 room_events 是權威紀錄；JetStream 上的副本供其他服務
// （統計、審計、聊天室機器人）即時訂閱，不需要輪詢資料庫。
//
// Subject 命名：<prefix>.rooms.<room_id>
// 同一個房間的事件落在同一個 subject，順序一致。
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/database"
	"github.com/nats-io/nats.go"
)

// Publisher 房間事件發布者
type Publisher interface {
	Publish(ctx context.Context, event *database.RoomEvent) error
}

// StreamConfig Stream 配置
type StreamConfig struct {
	// Stream 名稱
	StreamName string

	// Subject 前綴
	SubjectPrefix string

	// 最大事件數（0 = 無限制）
	MaxEvents int64

	// 事件保留時間（0 = 永久保存）
	MaxAge time.Duration
}

// Stream 以 JetStream 持久化的房間事件流
type Stream struct {
	js     nats.JetStreamContext
	config StreamConfig
}

var _ Publisher = (*Stream)(nil)

// NewStream 建立事件流，Stream 不存在時自動建立
func NewStream(conn *nats.Conn, config StreamConfig) (*Stream, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	s := &Stream{js: js, config: config}
	if err := s.initStream(); err != nil {
		return nil, err
	}
	return s, nil
}

// initStream 建立或更新 Stream
//
//   - FileStorage：重啟不遺失
//   - LimitsPolicy + DiscardOld：超過上限時淘汰舊事件
func (s *Stream) initStream() error {
	streamConfig := &nats.StreamConfig{
		Name:      s.config.StreamName,
		Subjects:  []string{s.config.SubjectPrefix + ".rooms.*"},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxMsgs:   s.config.MaxEvents,
		MaxAge:    s.config.MaxAge,
		Discard:   nats.DiscardOld,
	}
	if streamConfig.MaxMsgs == 0 {
		streamConfig.MaxMsgs = -1
	}

	if _, err := s.js.AddStream(streamConfig); err != nil {
		// 已存在時改為更新設定
		if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return fmt.Errorf("create stream: %w", err)
		}
		if _, err := s.js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
	}
	return nil
}

func (s *Stream) subject(roomID int64) string {
	return s.config.SubjectPrefix + ".rooms." + strconv.FormatInt(roomID, 10)
}

// Publish 發布事件並等待 JetStream 確認
func (s *Stream) Publish(ctx context.Context, event *database.RoomEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := s.js.Publish(s.subject(event.RoomID), data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// streamEvent 反序列化用，事件類型在線上是名稱
type streamEvent struct {
	database.RoomEvent
	Type string `json:"event_type"`
}

// Load 讀取某個房間的所有事件
//
// 讀到最後一筆（NumPending 為 0）或 ctx 到期時返回。
func (s *Stream) Load(ctx context.Context, roomID int64) ([]database.RoomEvent, error) {
	sub, err := s.js.SubscribeSync(s.subject(roomID), nats.DeliverAll(), nats.AckNone())
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	var result []database.RoomEvent
	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				return result, nil
			}
			return nil, fmt.Errorf("next message: %w", err)
		}

		var decoded streamEvent
		if err := json.Unmarshal(msg.Data, &decoded); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		event := decoded.RoomEvent
		event.Type = parseEventType(decoded.Type)
		result = append(result, event)

		meta, err := msg.Metadata()
		if err == nil && meta.NumPending == 0 {
			return result, nil
		}
	}
}

func parseEventType(name string) database.EventType {
	for t := database.EventPlayerLeft; t <= database.EventGameCompleted; t++ {
		if t.String() == name {
			return t
		}
	}
	return 0
}
