package multiplayer

import "github.com/koopa0/system-design/14-multiplayer-coordinator/internal/notify"

// UserIDData 只帶使用者 ID 的事件內容
type UserIDData struct {
	UserID int64 `json:"user_id"`
}

// UserStateChangedData UserStateChanged 事件內容
type UserStateChangedData struct {
	UserID int64         `json:"user_id"`
	State  RoomUserState `json:"state"`
}

// RoomStateChangedData RoomStateChanged 事件內容
type RoomStateChangedData struct {
	State RoomState `json:"state"`
}

// UserStyleChangedData UserStyleChanged 事件內容
type UserStyleChangedData struct {
	UserID    int64  `json:"user_id"`
	BeatmapID *int64 `json:"beatmap_id"`
	RulesetID *int   `json:"ruleset_id"`
}

// CountdownChangedData CountdownChanged 事件內容，Countdown 為 nil 代表倒數結束
type CountdownChangedData struct {
	Countdown *Countdown `json:"countdown"`
}

// MatchUserStateChangedData MatchUserStateChanged 事件內容
type MatchUserStateChangedData struct {
	UserID int64          `json:"user_id"`
	State  MatchUserState `json:"state"`
}

// MatchRoomStateChangedData MatchRoomStateChanged 事件內容
type MatchRoomStateChangedData struct {
	State MatchRoomState `json:"state"`
}

// PlaylistItemRemovedData PlaylistItemRemoved 事件內容
type PlaylistItemRemovedData struct {
	PlaylistItemID int64 `json:"playlist_item_id"`
}

func event(eventType string, data any) notify.Event {
	return notify.Event{Type: eventType, Data: data}
}
