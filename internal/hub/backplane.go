package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/connection"
	"github.com/nats-io/nats.go"
)

// Backplane 跨節點的斷線通道
//
// 使用者的新連線可能落在另一個節點，舊連線所在的節點才能真正關閉它。
type Backplane interface {
	PublishDisconnect(ctx context.Context, service connection.ServiceType, connectionID string) error
	SubscribeDisconnect(handler func(service connection.ServiceType, connectionID string)) error
	Close() error
}

// disconnectMessage 斷線通知的內容
type disconnectMessage struct {
	Service      connection.ServiceType `json:"service"`
	ConnectionID string                 `json:"connection_id"`
}

// NATSBackplane 以 Core NATS 廣播斷線通知
//
// 斷線通知只對當下在線的節點有意義，不需要 JetStream 持久化；
// 每個節點都會收到，只有擁有該連線的節點會處理。
type NATSBackplane struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
	sub     *nats.Subscription
}

var _ Backplane = (*NATSBackplane)(nil)

// NewNATSBackplane 創建 backplane，subject 為 <prefix>.disconnect
func NewNATSBackplane(conn *nats.Conn, subjectPrefix string, logger *slog.Logger) *NATSBackplane {
	return &NATSBackplane{
		conn:    conn,
		subject: subjectPrefix + ".disconnect",
		logger:  logger,
	}
}

// PublishDisconnect 廣播斷線通知
func (b *NATSBackplane) PublishDisconnect(ctx context.Context, service connection.ServiceType, connectionID string) error {
	data, err := json.Marshal(disconnectMessage{Service: service, ConnectionID: connectionID})
	if err != nil {
		return fmt.Errorf("marshal disconnect message: %w", err)
	}

	if err := b.conn.Publish(b.subject, data); err != nil {
		return fmt.Errorf("publish disconnect message: %w", err)
	}

	b.logger.DebugContext(ctx, "disconnect request published",
		"service", service,
		"target_connection_id", connectionID)
	return nil
}

// SubscribeDisconnect 訂閱斷線通知
func (b *NATSBackplane) SubscribeDisconnect(handler func(service connection.ServiceType, connectionID string)) error {
	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		var message disconnectMessage
		if err := json.Unmarshal(msg.Data, &message); err != nil {
			b.logger.Warn("invalid disconnect message", "error", err)
			return
		}
		handler(message.Service, message.ConnectionID)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.subject, err)
	}

	b.sub = sub
	return nil
}

// Close 取消訂閱，NATS 連線由呼叫端關閉
func (b *NATSBackplane) Close() error {
	if b.sub == nil {
		return nil
	}
	return b.sub.Unsubscribe()
}
