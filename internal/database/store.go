// Package database 定義多人連線服務與持久層之間的窄介面
//
// 協調器只透過 Store 存取房間、播放清單、譜面與事件紀錄。
// 正式環境使用 Postgres（pgxpool），測試與 --memory 開發模式使用 Memory。
package database

import (
	"context"
	"encoding/json"
	"time"

	apperrors "github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/errors"
)

// ErrNotFound 查無資料
//
// 同時滿足 errors.Is(err, ErrNotFound) 與 apperrors.IsNotFound(err)。
var ErrNotFound = apperrors.New(apperrors.ErrCodeNotFound, "record not found")

// 房間分類
const (
	CategoryNormal         = "normal"
	CategoryDailyChallenge = "daily_challenge"
)

// Room 房間紀錄
type Room struct {
	ID                int64         `json:"id"`
	Name              string        `json:"name"`
	Password          string        `json:"-"`
	HostID            int64         `json:"host_id"`
	Type              string        `json:"type"`
	QueueMode         string        `json:"queue_mode"`
	AutoStartDuration time.Duration `json:"auto_start_duration"`
	Category          string        `json:"category"`
	ParticipantCount  int           `json:"participant_count"`
	StartsAt          time.Time     `json:"starts_at"`
	EndsAt            *time.Time    `json:"ends_at,omitempty"`
	EndedAt           *time.Time    `json:"ended_at,omitempty"`
}

// HasEnded 房間是否已結束
func (r *Room) HasEnded() bool {
	return r.EndedAt != nil
}

// PlaylistItem 播放清單項目
type PlaylistItem struct {
	ID              int64      `json:"id"`
	RoomID          int64      `json:"room_id"`
	OwnerID         int64      `json:"owner_id"`
	BeatmapID       int64      `json:"beatmap_id"`
	BeatmapsetID    int64      `json:"beatmapset_id"`
	BeatmapChecksum string     `json:"beatmap_checksum"`
	RulesetID       int        `json:"ruleset_id"`
	RequiredMods    []string   `json:"required_mods"`
	AllowedMods     []string   `json:"allowed_mods"`
	Freestyle       bool       `json:"freestyle"`
	Expired         bool       `json:"expired"`
	PlayedAt        *time.Time `json:"played_at,omitempty"`
	PlaylistOrder   int        `json:"playlist_order"`
}

// Clone 深拷貝
func (p PlaylistItem) Clone() PlaylistItem {
	clone := p
	clone.RequiredMods = append([]string(nil), p.RequiredMods...)
	clone.AllowedMods = append([]string(nil), p.AllowedMods...)
	if p.PlayedAt != nil {
		playedAt := *p.PlayedAt
		clone.PlayedAt = &playedAt
	}
	return clone
}

// Beatmap 譜面
type Beatmap struct {
	ID           int64  `json:"id"`
	BeatmapsetID int64  `json:"beatmapset_id"`
	Checksum     string `json:"checksum"`
	Approved     int    `json:"approved"`
	PlayMode     int    `json:"playmode"` // 原生 ruleset
}

// Build 客戶端版本
type Build struct {
	Hash    string `json:"hash"`
	Version string `json:"version"`
	Allowed bool   `json:"allowed"`
}

// EventType 房間事件類型
type EventType int

// 房間事件類型，數值寫入資料庫，不可重排
const (
	EventPlayerLeft EventType = iota + 1
	EventPlayerJoined
	EventPlayerKicked
	EventRoomCreated
	EventRoomDisbanded
	EventGameStarted
	EventGameAborted
	EventHostChanged
	EventGameCompleted
)

var eventTypeNames = map[EventType]string{
	EventPlayerLeft:    "player_left",
	EventPlayerJoined:  "player_joined",
	EventPlayerKicked:  "player_kicked",
	EventRoomCreated:   "room_created",
	EventRoomDisbanded: "room_disbanded",
	EventGameStarted:   "game_started",
	EventGameAborted:   "game_aborted",
	EventHostChanged:   "host_changed",
	EventGameCompleted: "game_completed",
}

// String 事件名稱
func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON 以名稱輸出
func (t EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// RoomEvent 房間事件（只追加）
type RoomEvent struct {
	ID             int64           `json:"id,omitempty"`
	RoomID         int64           `json:"room_id"`
	Type           EventType       `json:"event_type"`
	UserID         *int64          `json:"user_id,omitempty"`
	PlaylistItemID *int64          `json:"playlist_item_id,omitempty"`
	Detail         json.RawMessage `json:"event_detail,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Store 持久層
type Store interface {
	// GetRoom 讀取房間，不存在時回傳 ErrNotFound
	GetRoom(ctx context.Context, roomID int64) (*Room, error)
	MarkRoomActive(ctx context.Context, roomID int64) error
	UpdateRoomSettings(ctx context.Context, room *Room) error
	UpdateRoomHost(ctx context.Context, roomID, hostID int64) error
	UpdateRoomParticipants(ctx context.Context, roomID int64, userIDs []int64) error

	// GetPlaylistItems 依 playlist_order、id 排序
	GetPlaylistItems(ctx context.Context, roomID int64) ([]PlaylistItem, error)
	// AddPlaylistItem 回傳新項目 ID
	AddPlaylistItem(ctx context.Context, item *PlaylistItem) (int64, error)
	UpdatePlaylistItem(ctx context.Context, item *PlaylistItem) error
	RemovePlaylistItem(ctx context.Context, roomID, itemID int64) error
	MarkPlaylistItemPlayed(ctx context.Context, roomID, itemID int64) error

	GetBeatmap(ctx context.Context, beatmapID int64) (*Beatmap, error)
	IsUserRestricted(ctx context.Context, userID int64) (bool, error)
	LogRoomEvent(ctx context.Context, event *RoomEvent) error
	GetBuildByHash(ctx context.Context, hash string) (*Build, error)
	GetActiveBeatmapOfTheDayRooms(ctx context.Context) ([]Room, error)
}
