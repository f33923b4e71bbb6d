// Package metadata 線上狀態與每日譜面
//
// 每個 metadata 連線有一份 UserState，記錄使用者的線上狀態與目前活動。
// 狀態改變時推播給訂閱線上狀態的連線；每日譜面由 Poller 定期更新並推播給所有連線。
package metadata

import (
	"context"
	"log/slog"
	"slices"

	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/connection"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/notify"
	apperrors "github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/errors"
)

// ConnectionsGroup 所有 metadata 連線
const ConnectionsGroup = "metadata:connections"

// UserStatus 使用者選擇的線上狀態
type UserStatus string

const (
	StatusOnline       UserStatus = "online"
	StatusDoNotDisturb UserStatus = "do_not_disturb"
	StatusOffline      UserStatus = "offline"
)

func (s UserStatus) valid() bool {
	return s == StatusOnline || s == StatusDoNotDisturb || s == StatusOffline
}

// UserActivity 使用者正在做的事
type UserActivity struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	BeatmapID   *int64 `json:"beatmap_id,omitempty"`
	RoomID      *int64 `json:"room_id,omitempty"`
}

// Presence 推播給其他人的線上狀態
type Presence struct {
	Status   UserStatus    `json:"status"`
	Activity *UserActivity `json:"activity"`
}

// UserPresence 帶使用者 ID 的線上狀態，Presence 為 nil 代表離線
type UserPresence struct {
	UserID   int64     `json:"user_id"`
	Presence *Presence `json:"presence"`
}

// UserState 每條 metadata 連線的狀態
type UserState struct {
	connection.ClientState
	Status   UserStatus
	Activity *UserActivity
}

// presence 對外可見的狀態，離線或尚未設定時為 nil
func (s *UserState) presence() *Presence {
	if s.Status == "" || s.Status == StatusOffline {
		return nil
	}
	p := &Presence{Status: s.Status}
	if s.Activity != nil {
		activity := *s.Activity
		p.Activity = &activity
	}
	return p
}

// SnapshotSource 提供目前的每日譜面
type SnapshotSource interface {
	Current() Snapshot
}

// Service metadata 服務
type Service struct {
	states   *connection.Stateful[*UserState]
	notifier notify.Notifier
	botd     SnapshotSource
	logger   *slog.Logger
}

// NewService 創建 metadata 服務
func NewService(notifier notify.Notifier, botd SnapshotSource, logger *slog.Logger) *Service {
	s := &Service{
		notifier: notifier,
		botd:     botd,
		logger:   logger,
	}
	s.states = connection.NewStateful[*UserState](string(connection.ServiceMetadata), s.cleanUp, logger)
	return s
}

// OnConnected 清理過期狀態並為新連線建立狀態
func (s *Service) OnConnected(ctx context.Context, client connection.ClientState) error {
	if err := s.states.OnConnected(ctx, client); err != nil {
		return err
	}

	usage, err := s.states.GetForConnection(ctx, client, true)
	if err != nil {
		return err
	}
	defer usage.Release()

	if !usage.HasItem() {
		usage.SetItem(&UserState{ClientState: client})
	}
	s.notifier.JoinGroup(ctx, ConnectionsGroup, client.UserID)
	return nil
}

// OnDisconnected 連線斷開時清除狀態
func (s *Service) OnDisconnected(ctx context.Context, client connection.ClientState) {
	s.states.OnDisconnected(ctx, client)
}

// cleanUp 清除使用者狀態並通知訂閱者使用者已離線
func (s *Service) cleanUp(ctx context.Context, userID int64, stale func(*UserState) bool) error {
	state, removed, err := s.states.DestroyIf(ctx, userID, stale)
	if err != nil || !removed {
		return err
	}

	s.notifier.LeaveGroup(ctx, ConnectionsGroup, userID)
	s.notifier.LeaveGroup(ctx, notify.PresenceWatchersGroup, userID)

	if state.presence() != nil {
		s.broadcastPresence(ctx, userID, nil)
	}
	return nil
}

// UpdateStatus 更新線上狀態
func (s *Service) UpdateStatus(ctx context.Context, client connection.ClientState, status UserStatus) error {
	if !status.valid() {
		return apperrors.Newf(apperrors.ErrCodeInvalidInput, "unknown status %q", status)
	}

	return s.update(ctx, client, func(state *UserState) {
		state.Status = status
	})
}

// UpdateActivity 更新目前活動，nil 代表清除
func (s *Service) UpdateActivity(ctx context.Context, client connection.ClientState, activity *UserActivity) error {
	return s.update(ctx, client, func(state *UserState) {
		if activity == nil {
			state.Activity = nil
			return
		}
		a := *activity
		state.Activity = &a
	})
}

func (s *Service) update(ctx context.Context, client connection.ClientState, fn func(state *UserState)) error {
	usage, err := s.states.GetForConnection(ctx, client, false)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return apperrors.ErrConnectionInvalid
		}
		return err
	}
	defer usage.Release()

	state := usage.Item()
	before := state.presence()
	fn(state)
	after := state.presence()

	// 離線中更新活動不需要通知任何人
	if before == nil && after == nil {
		return nil
	}
	s.broadcastPresence(ctx, client.UserID, after)
	return nil
}

func (s *Service) broadcastPresence(ctx context.Context, userID int64, presence *Presence) {
	s.notifier.SendGroup(ctx, notify.PresenceWatchersGroup, notify.Event{
		Type: notify.EventUserPresenceUpdated,
		Data: UserPresence{UserID: userID, Presence: presence},
	})
}

// BeginWatchingUserPresence 開始訂閱線上狀態，回傳目前所有線上使用者
func (s *Service) BeginWatchingUserPresence(ctx context.Context, client connection.ClientState) ([]UserPresence, error) {
	if err := s.validate(ctx, client); err != nil {
		return nil, err
	}

	s.notifier.JoinGroup(ctx, notify.PresenceWatchersGroup, client.UserID)

	var online []UserPresence
	for _, entry := range s.states.States().GetAllEntities() {
		presence, err := s.presenceOf(ctx, entry.ID)
		if err != nil {
			return nil, err
		}
		if presence != nil {
			online = append(online, UserPresence{UserID: entry.ID, Presence: presence})
		}
	}

	slices.SortFunc(online, func(a, b UserPresence) int {
		switch {
		case a.UserID < b.UserID:
			return -1
		case a.UserID > b.UserID:
			return 1
		}
		return 0
	})
	return online, nil
}

// EndWatchingUserPresence 停止訂閱線上狀態
func (s *Service) EndWatchingUserPresence(ctx context.Context, client connection.ClientState) error {
	if err := s.validate(ctx, client); err != nil {
		return err
	}
	s.notifier.LeaveGroup(ctx, notify.PresenceWatchersGroup, client.UserID)
	return nil
}

// GetBeatmapOfTheDay 目前的每日譜面
func (s *Service) GetBeatmapOfTheDay(context.Context) Snapshot {
	if s.botd == nil {
		return Snapshot{}
	}
	return s.botd.Current()
}

// Online 目前有 metadata 連線的使用者數
func (s *Service) Online() int {
	return len(s.states.States().GetAllEntities())
}

func (s *Service) validate(ctx context.Context, client connection.ClientState) error {
	usage, err := s.states.GetForConnection(ctx, client, false)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return apperrors.ErrConnectionInvalid
		}
		return err
	}
	usage.Release()
	return nil
}

// presenceOf 在租約內讀取使用者狀態
func (s *Service) presenceOf(ctx context.Context, userID int64) (*Presence, error) {
	usage, err := s.states.States().GetForUse(ctx, userID, false)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	defer usage.Release()
	return usage.Item().presence(), nil
}
