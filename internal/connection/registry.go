// Package connection 管理每個使用者在各個有狀態服務上的權威連線
//
// 系統設計問題：
//
//	同一個使用者可能同時開著兩個客戶端（桌機與筆電），
//	也可能因為網路抖動在舊連線還沒斷開前就建立新連線。
//	伺服器必須判斷「這是同一個客戶端重連」還是「另一個客戶端搶佔」。
//
// 設計方案：
//
//	以 token ID（jti）區分客戶端實例：
//	  - 已知 token：同一個客戶端，靜默替換該服務的連線 ID
//	  - 新 token：另一個客戶端，要求舊客戶端在所有服務上斷線，重建狀態
//	每次呼叫都必須驗證 token 與連線 ID 都是目前登記的那一個。
package connection

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/entity"
	apperrors "github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/errors"
)

// ServiceType 服務類型
type ServiceType string

// 服務類型
const (
	ServiceMultiplayer ServiceType = "multiplayer"
	ServiceMetadata    ServiceType = "metadata"
)

// StatefulServices 需要單一權威連線的服務
var StatefulServices = []ServiceType{ServiceMultiplayer, ServiceMetadata}

var statefulServices = map[ServiceType]bool{
	ServiceMultiplayer: true,
	ServiceMetadata:    true,
}

// IsStateful 是否為有狀態服務
func IsStateful(service ServiceType) bool {
	return statefulServices[service]
}

// Info 一條連線的身分
type Info struct {
	UserID       int64
	Service      ServiceType
	ConnectionID string
	TokenID      string
}

// ConnectionState 使用者的連線登記
type ConnectionState struct {
	UserID      int64
	TokenIDs    map[string]struct{}
	Connections map[ServiceType]string
}

func newConnectionState(info Info) *ConnectionState {
	return &ConnectionState{
		UserID:      info.UserID,
		TokenIDs:    map[string]struct{}{info.TokenID: {}},
		Connections: map[ServiceType]string{info.Service: info.ConnectionID},
	}
}

func (s *ConnectionState) clone() ConnectionState {
	return ConnectionState{
		UserID:      s.UserID,
		TokenIDs:    maps.Clone(s.TokenIDs),
		Connections: maps.Clone(s.Connections),
	}
}

func (s *ConnectionState) hasToken(tokenID string) bool {
	_, ok := s.TokenIDs[tokenID]
	return ok
}

// Disconnector 要求某條連線斷線（不等待結果）
type Disconnector interface {
	RequestDisconnect(ctx context.Context, service ServiceType, connectionID string) error
}

// Registry 連線登記表
type Registry struct {
	states       *entity.Store[*ConnectionState]
	disconnector Disconnector
	logger       *slog.Logger
}

// NewRegistry 創建連線登記表
func NewRegistry(disconnector Disconnector, logger *slog.Logger) *Registry {
	return &Registry{
		states:       entity.NewStore[*ConnectionState]("connection state"),
		disconnector: disconnector,
		logger:       logger,
	}
}

// SetDisconnector 替換斷線通知的實作（hub 建立後才能注入）
func (r *Registry) SetDisconnector(disconnector Disconnector) {
	r.disconnector = disconnector
}

// Register 登記新連線
func (r *Registry) Register(ctx context.Context, info Info) error {
	usage, err := r.states.GetForUse(ctx, info.UserID, true)
	if err != nil {
		return err
	}
	defer usage.Release()

	logger := r.logger.With(
		"user_id", info.UserID,
		"connection_id", info.ConnectionID,
		"service", info.Service,
	)

	state := usage.Item()
	if state == nil {
		logger.DebugContext(ctx, "connection from first client instance")
		usage.SetItem(newConnectionState(info))
		return nil
	}

	if state.hasToken(info.TokenID) {
		// 舊連線應該已經被客戶端丟棄，直接替換，舊連線之後的呼叫都會驗證失敗
		logger.DebugContext(ctx, "subsequent connection from same client instance")
		state.Connections[info.Service] = info.ConnectionID
		return nil
	}

	logger.InfoContext(ctx, "connection from new client instance, dropping existing state")

	services := slices.Sorted(maps.Keys(state.Connections))
	for _, service := range services {
		connectionID := state.Connections[service]
		if r.disconnector == nil {
			continue
		}
		if err := r.disconnector.RequestDisconnect(ctx, service, connectionID); err != nil {
			logger.WarnContext(ctx, "failed to request disconnect",
				"target_service", service,
				"target_connection_id", connectionID,
				"error", err)
		}
	}

	usage.SetItem(newConnectionState(info))
	return nil
}

// Validate 確認呼叫來自目前登記的連線
func (r *Registry) Validate(ctx context.Context, info Info) error {
	usage, err := r.states.GetForUse(ctx, info.UserID, false)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return apperrors.ErrConnectionInvalid
		}
		return err
	}
	defer usage.Release()

	state := usage.Item()
	registered, ok := state.Connections[info.Service]
	if !state.hasToken(info.TokenID) || !ok || registered != info.ConnectionID {
		r.logger.DebugContext(ctx, "invocation from invalid connection",
			"user_id", info.UserID,
			"connection_id", info.ConnectionID,
			"service", info.Service)
		return apperrors.ErrConnectionInvalid
	}
	return nil
}

// Unregister 移除乾淨斷線的連線登記
//
// 非正常斷線不呼叫，保留登記讓客戶端用同一個 token 重連。
func (r *Registry) Unregister(ctx context.Context, info Info) error {
	usage, err := r.states.GetForUse(ctx, info.UserID, false)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	defer usage.Release()

	state := usage.Item()
	if !state.hasToken(info.TokenID) || state.Connections[info.Service] != info.ConnectionID {
		return nil
	}

	delete(state.Connections, info.Service)
	if len(state.Connections) == 0 {
		usage.Destroy()
	}
	return nil
}

// AddToken 加入新的有效 token（客戶端刷新憑證時）
func (r *Registry) AddToken(ctx context.Context, info Info, tokenID string) error {
	if tokenID == "" {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "token id is required")
	}

	usage, err := r.states.GetForUse(ctx, info.UserID, false)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return apperrors.ErrConnectionInvalid
		}
		return err
	}
	defer usage.Release()

	state := usage.Item()
	if !state.hasToken(info.TokenID) || state.Connections[info.Service] != info.ConnectionID {
		return apperrors.ErrConnectionInvalid
	}

	state.TokenIDs[tokenID] = struct{}{}
	return nil
}

// Lookup 回傳使用者連線登記的副本
func (r *Registry) Lookup(ctx context.Context, userID int64) (ConnectionState, error) {
	usage, err := r.states.GetForUse(ctx, userID, false)
	if err != nil {
		return ConnectionState{}, err
	}
	defer usage.Release()

	return usage.Item().clone(), nil
}

// Len 目前有登記的使用者數
func (r *Registry) Len() int {
	return r.states.Len()
}
