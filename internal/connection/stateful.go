package connection

import (
	"context"
	"log/slog"

	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/entity"
	apperrors "github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/errors"
)

// ClientState 每個有狀態服務為連線保存的共同欄位
type ClientState struct {
	ConnectionID string
	UserID       int64
	TokenID      string
}

// Client 讓 ClientState 本身滿足 Holder
func (c *ClientState) Client() *ClientState {
	return c
}

// Holder 服務自己的狀態型別，內嵌 ClientState 即可滿足
type Holder interface {
	Client() *ClientState
}

// CleanupFunc 清理使用者狀態
//
// 實作必須在持有租約後再以 stale 確認一次，只有 stale 回傳 true 才清理並銷毀。
// 使用者沒有狀態時回傳 nil。
type CleanupFunc[T Holder] func(ctx context.Context, userID int64, stale func(T) bool) error

// Stateful 服務的 client state 層
type Stateful[T Holder] struct {
	name    string
	states  *entity.Store[T]
	cleanup CleanupFunc[T]
	logger  *slog.Logger
}

// NewStateful 創建 client state 層，cleanup 為 nil 時使用 DestroyIf
func NewStateful[T Holder](name string, cleanup CleanupFunc[T], logger *slog.Logger) *Stateful[T] {
	s := &Stateful[T]{
		name:   name,
		states: entity.NewStore[T](name),
		logger: logger.With("service", name),
	}

	s.cleanup = cleanup
	if s.cleanup == nil {
		s.cleanup = func(ctx context.Context, userID int64, stale func(T) bool) error {
			_, _, err := s.DestroyIf(ctx, userID, stale)
			return err
		}
	}
	return s
}

// States 底層的實體容器
func (s *Stateful[T]) States() *entity.Store[T] {
	return s.states
}

// OnConnected 新連線建立時清理過期的狀態
//
//   - 同一條連線：不處理
//   - 同一個 token 的新連線：改綁到新連線
//   - 不同連線且不同 token：舊狀態過期，執行清理
func (s *Stateful[T]) OnConnected(ctx context.Context, client ClientState) error {
	usage, err := s.states.GetForUse(ctx, client.UserID, false)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}

	current := usage.Item().Client()
	staleConnection := current.ConnectionID

	switch {
	case current.ConnectionID == client.ConnectionID:
		usage.Release()
		return nil

	case current.TokenID == client.TokenID:
		current.ConnectionID = client.ConnectionID
		usage.Release()
		s.logger.DebugContext(ctx, "state rebound to new connection",
			"user_id", client.UserID,
			"connection_id", client.ConnectionID,
			"previous_connection_id", staleConnection)
		return nil
	}

	// 清理函數需要自己決定鎖順序，先放掉使用者租約
	usage.Release()

	s.logger.InfoContext(ctx, "cleaning up stale state on connect",
		"user_id", client.UserID,
		"connection_id", client.ConnectionID,
		"stale_connection_id", staleConnection)

	err = s.cleanup(ctx, client.UserID, func(state T) bool {
		return state.Client().ConnectionID == staleConnection
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "state cleanup failed",
			"user_id", client.UserID,
			"connection_id", client.ConnectionID,
			"error", err)
		return err
	}
	return nil
}

// OnDisconnected 連線斷開時，狀態仍屬於這條連線才清理
//
// 失敗只記錄，不影響其他連線。
func (s *Stateful[T]) OnDisconnected(ctx context.Context, client ClientState) {
	err := s.cleanup(ctx, client.UserID, func(state T) bool {
		return state.Client().ConnectionID == client.ConnectionID
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "state cleanup failed on disconnect",
			"user_id", client.UserID,
			"connection_id", client.ConnectionID,
			"error", err)
	}
}

// GetForConnection 取得呼叫者的狀態租約
//
// 狀態屬於其他連線時回傳 ConnectionInvalid；create 為 true 時不存在就建立空槽位。
func (s *Stateful[T]) GetForConnection(ctx context.Context, client ClientState, create bool) (*entity.Usage[T], error) {
	usage, err := s.states.GetForUse(ctx, client.UserID, create)
	if err != nil {
		return nil, err
	}

	if usage.HasItem() && usage.Item().Client().ConnectionID != client.ConnectionID {
		usage.Release()
		return nil, apperrors.ErrConnectionInvalid
	}
	return usage, nil
}

// DestroyIf 只鎖使用者狀態，stale 成立時銷毀並回傳被移除的狀態
func (s *Stateful[T]) DestroyIf(ctx context.Context, userID int64, stale func(T) bool) (T, bool, error) {
	var zero T

	usage, err := s.states.GetForUse(ctx, userID, false)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return zero, false, nil
		}
		return zero, false, err
	}
	defer usage.Release()

	state := usage.Item()
	if !stale(state) {
		return zero, false, nil
	}

	usage.Destroy()
	return state, true, nil
}
