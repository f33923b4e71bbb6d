package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/connection"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/notify"
	apperrors "github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/errors"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/logger"
)

// 心跳設定
//
//	writePump 54s Ping → 網路傳輸 < 6s → readPump 60s 超時
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
	maxMessageSize = 64 * 1024
)

// Client 一條 websocket 連線
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	service     connection.ServiceType
	state       connection.ClientState
	versionHash string

	// send 永遠不關閉，關閉連線以 done 通知
	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once
}

// outbound 待送出的訊息；closeCode 非零時送出關閉訊框後結束連線
type outbound struct {
	data      []byte
	closeCode int
	reason    string
}

func (c *Client) info() connection.Info {
	return connection.Info{
		UserID:       c.state.UserID,
		Service:      c.service,
		ConnectionID: c.state.ConnectionID,
		TokenID:      c.state.TokenID,
	}
}

// context 帶有連線資訊的 context，日誌會自動附上
func (c *Client) context(parent context.Context) context.Context {
	ctx := logger.WithUserID(parent, c.state.UserID)
	return logger.WithConnectionID(ctx, c.state.ConnectionID)
}

// enqueue 非阻塞送出，緩衝區滿代表客戶端跟不上，直接斷線
func (c *Client) enqueue(msg outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		c.hub.logger.Warn("send buffer full, closing connection",
			"user_id", c.state.UserID,
			"connection_id", c.state.ConnectionID,
			"service", c.service)
		c.close()
		return false
	}
}

func (c *Client) sendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.hub.logger.Error("failed to marshal frame", "error", err)
		return false
	}
	return c.enqueue(outbound{data: data})
}

// sendEvent 推播事件
func (c *Client) sendEvent(event notify.Event) bool {
	return c.sendJSON(event)
}

// requestDisconnect 通知客戶端不要重連，送完之後關閉
func (c *Client) requestDisconnect(reason string) {
	c.sendEvent(notify.Event{Type: notify.EventDisconnectRequested})
	c.enqueue(outbound{closeCode: websocket.ClosePolicyViolation, reason: reason})
}

// close 立即關閉連線，可以重複呼叫
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// readPump 讀取客戶端訊息，結束時執行斷線流程
//
// 呼叫依序處理，同一條連線的回應順序與請求一致。
func (c *Client) readPump() {
	cleanClose := false
	defer func() {
		c.close()
		c.hub.disconnected(c, cleanClose)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.hub.logger.Error("failed to set read deadline", "error", err)
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			cleanClose = websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			if !cleanClose && websocket.IsUnexpectedCloseError(err, websocket.CloseAbnormalClosure, websocket.ClosePolicyViolation) {
				c.hub.logger.Warn("websocket read error",
					"user_id", c.state.UserID,
					"connection_id", c.state.ConnectionID,
					"error", err)
			}
			return
		}

		if messageType == websocket.TextMessage {
			c.handleMessage(message)
		}
	}
}

// writePump 寫入訊息與定期送出 Ping
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return

		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}

			if msg.closeCode != 0 {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(msg.closeCode, msg.reason))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				c.hub.logger.Debug("failed to write message",
					"connection_id", c.state.ConnectionID,
					"error", err)
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 處理一次呼叫
//
// 每次呼叫都重新檢查版本與連線登記，之後才交給服務。
func (c *Client) handleMessage(message []byte) {
	var inv invocation
	if err := json.Unmarshal(message, &inv); err != nil || inv.Method == "" {
		c.sendJSON(completion{
			ID:    inv.ID,
			Error: &frameError{Code: apperrors.ErrCodeInvalidInput, Message: "malformed invocation"},
		})
		return
	}

	ctx, cancel := context.WithTimeout(c.context(c.hub.ctx), c.hub.config.InvocationTimeout)
	defer cancel()

	start := time.Now()
	result, err := c.hub.invoke(ctx, c, inv)
	logger.Metrics(ctx, c.hub.logger, "invoke", time.Since(start),
		slog.String("method", inv.Method),
		slog.String("code", codeOrEmpty(err)))

	if err != nil {
		if apperrors.CodeOf(err) == apperrors.ErrCodeInternal {
			c.hub.logger.ErrorContext(ctx, "invocation failed",
				"method", inv.Method,
				"error", err)
		}
		c.sendJSON(completion{ID: inv.ID, Error: toFrameError(err)})

		if apperrors.IsVersionRejected(err) {
			c.requestDisconnect("client version rejected")
		}
		return
	}

	c.sendJSON(completion{ID: inv.ID, Result: result})
}

func codeOrEmpty(err error) string {
	if err == nil {
		return ""
	}
	return apperrors.CodeOf(err)
}
