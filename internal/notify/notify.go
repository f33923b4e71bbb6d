// Package notify 定義服務層與傳輸層之間的推播介面
//
// 服務只知道「送給某個群組」或「送給某個使用者」，
// 群組成員以使用者 ID 記錄，真正送到哪條連線由傳輸層在送出當下決定。
// 這讓使用者重連之後仍然留在原本的群組（例如遊戲中的子群組）。
package notify

import (
	"context"
	"fmt"
)

// 推播事件名稱
const (
	EventUserJoined             = "UserJoined"
	EventUserLeft               = "UserLeft"
	EventUserKicked             = "UserKicked"
	EventHostChanged            = "HostChanged"
	EventSettingsChanged        = "SettingsChanged"
	EventUserStateChanged       = "UserStateChanged"
	EventRoomStateChanged       = "RoomStateChanged"
	EventLoadRequested          = "LoadRequested"
	EventMatchStarted           = "MatchStarted"
	EventResultsReady           = "ResultsReady"
	EventUserStyleChanged       = "UserStyleChanged"
	EventCountdownChanged       = "CountdownChanged"
	EventMatchUserStateChanged  = "MatchUserStateChanged"
	EventMatchRoomStateChanged  = "MatchRoomStateChanged"
	EventPlaylistItemAdded      = "PlaylistItemAdded"
	EventPlaylistItemChanged    = "PlaylistItemChanged"
	EventPlaylistItemRemoved    = "PlaylistItemRemoved"
	EventDisconnectRequested    = "DisconnectRequested"
	EventUserPresenceUpdated    = "UserPresenceUpdated"
	EventBeatmapOfTheDayUpdated = "BeatmapOfTheDayUpdated"
)

// PresenceWatchersGroup 訂閱線上狀態的連線
const PresenceWatchersGroup = "metadata:online-presence-watchers"

// Event 推播給客戶端的事件
type Event struct {
	Type string `json:"event"`
	Data any    `json:"data"`
}

// RoomGroup 房間群組
func RoomGroup(roomID int64) string {
	return fmt.Sprintf("room:%d", roomID)
}

// GameplayGroup 房間內正在遊戲中的子群組
func GameplayGroup(roomID int64) string {
	return fmt.Sprintf("room:%d:gameplay", roomID)
}

// Notifier 推播介面
//
// 所有方法都不等待客戶端，失敗由實作記錄。
type Notifier interface {
	JoinGroup(ctx context.Context, group string, userID int64)
	LeaveGroup(ctx context.Context, group string, userID int64)
	SendGroup(ctx context.Context, group string, event Event)
	SendUser(ctx context.Context, userID int64, event Event)
}
