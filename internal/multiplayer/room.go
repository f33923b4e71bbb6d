package multiplayer

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/connection"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/database"
)

// RoomState 房間狀態
//
// 狀態轉換：
//
//	Open → WaitingForLoad → Playing → Open
//	         ↓（沒有人載入完成）
//	        Open
type RoomState string

const (
	RoomOpen           RoomState = "open"
	RoomWaitingForLoad RoomState = "waiting_for_load"
	RoomPlaying        RoomState = "playing"
)

// RoomUserState 房間內使用者的狀態
type RoomUserState string

const (
	UserIdle           RoomUserState = "idle"
	UserReady          RoomUserState = "ready"
	UserWaitingForLoad RoomUserState = "waiting_for_load"
	UserLoaded         RoomUserState = "loaded"
	UserPlaying        RoomUserState = "playing"
	UserFinishedPlay   RoomUserState = "finished_play"
	UserResults        RoomUserState = "results"
)

// 只能由伺服器設定的狀態
var reservedUserStates = map[RoomUserState]bool{
	UserWaitingForLoad: true,
	UserPlaying:        true,
	UserResults:        true,
}

// QueueMode 播放清單模式
type QueueMode string

const (
	QueueHostOnly   QueueMode = "host_only"
	QueueAllPlayers QueueMode = "all_players"
)

func (m QueueMode) valid() bool {
	return m == QueueHostOnly || m == QueueAllPlayers
}

// Caller 呼叫者身分，每個操作都必須明確傳入
type Caller struct {
	UserID       int64
	ConnectionID string
	TokenID      string
}

func (c Caller) client() connection.ClientState {
	return connection.ClientState{
		ConnectionID: c.ConnectionID,
		UserID:       c.UserID,
		TokenID:      c.TokenID,
	}
}

// UserState 多人服務為每個使用者保存的狀態
//
// 只在使用者身處房間時存在；RoomID 建立後不會改變。
type UserState struct {
	connection.ClientState
	RoomID int64
}

// Settings 房間設定
//
// PlaylistItemID 與譜面欄位反映目前的播放項目，由伺服器維護。
type Settings struct {
	Name              string        `json:"name"`
	Password          string        `json:"password,omitempty"`
	MatchType         MatchType     `json:"match_type"`
	QueueMode         QueueMode     `json:"queue_mode"`
	AutoStartDuration time.Duration `json:"auto_start_duration"` // 線上以秒表示

	PlaylistItemID  int64  `json:"playlist_item_id"`
	BeatmapID       int64  `json:"beatmap_id"`
	BeatmapChecksum string `json:"beatmap_checksum"`
	RulesetID       int    `json:"ruleset_id"`
}

// settingsFields 去掉 JSON 方法的 Settings
type settingsFields Settings

// MarshalJSON 自動開始時間以秒輸出，和倒數請求的 duration 一致
func (s Settings) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		settingsFields
		AutoStartDuration float64 `json:"auto_start_duration"`
	}{
		settingsFields:    settingsFields(s),
		AutoStartDuration: s.AutoStartDuration.Seconds(),
	})
}

// UnmarshalJSON 讀取以秒表示的自動開始時間
func (s *Settings) UnmarshalJSON(data []byte) error {
	wire := struct {
		*settingsFields
		AutoStartDuration float64 `json:"auto_start_duration"`
	}{
		settingsFields:    (*settingsFields)(s),
		AutoStartDuration: s.AutoStartDuration.Seconds(),
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	s.AutoStartDuration = secondsToDuration(wire.AutoStartDuration)
	return nil
}

// RoomUser 房間成員
type RoomUser struct {
	UserID     int64          `json:"user_id"`
	State      RoomUserState  `json:"state"`
	BeatmapID  *int64         `json:"beatmap_id"`
	RulesetID  *int           `json:"ruleset_id"`
	MatchState MatchUserState `json:"match_state"`
}

func (u *RoomUser) clone() *RoomUser {
	c := *u
	if u.BeatmapID != nil {
		v := *u.BeatmapID
		c.BeatmapID = &v
	}
	if u.RulesetID != nil {
		v := *u.RulesetID
		c.RulesetID = &v
	}
	return &c
}

func (u *RoomUser) hasStyle() bool {
	return u.BeatmapID != nil || u.RulesetID != nil
}

// Countdown 倒數
//
// 每次建立都有新的 ID，計時器觸發時以 ID 判斷自己是否已被取代。
type Countdown struct {
	ID          int64     `json:"id"`
	EndTime     time.Time `json:"end_time"`
	Cancellable bool      `json:"cancellable"`
}

// TimeRemaining 剩餘時間
func (c *Countdown) TimeRemaining() time.Duration {
	return time.Until(c.EndTime)
}

// Room 多人房間
//
// 所有欄位只能在持有房間租約時讀寫；對外只回傳 Clone 後的快照。
type Room struct {
	ID         int64                    `json:"room_id"`
	HostID     int64                    `json:"host_id"`
	State      RoomState                `json:"state"`
	Settings   Settings                 `json:"settings"`
	Users      []*RoomUser              `json:"users"` // 加入順序
	Playlist   []*database.PlaylistItem `json:"playlist"`
	Countdown  *Countdown               `json:"countdown"`
	MatchState MatchRoomState           `json:"match_state"`

	matchType      matchTypeImplementation
	gameplay       map[int64]struct{}
	countdownTimer *time.Timer
}

// Clone 深拷貝，供呼叫端在租約外讀取
func (r *Room) Clone() *Room {
	c := &Room{
		ID:       r.ID,
		HostID:   r.HostID,
		State:    r.State,
		Settings: r.Settings,
		Users:    make([]*RoomUser, 0, len(r.Users)),
		Playlist: make([]*database.PlaylistItem, 0, len(r.Playlist)),
		gameplay: make(map[int64]struct{}, len(r.gameplay)),
	}
	for _, u := range r.Users {
		c.Users = append(c.Users, u.clone())
	}
	for _, item := range r.Playlist {
		clone := item.Clone()
		c.Playlist = append(c.Playlist, &clone)
	}
	if r.Countdown != nil {
		countdown := *r.Countdown
		c.Countdown = &countdown
	}
	if r.matchType != nil {
		c.MatchState = r.matchType.RoomState()
	}
	for id := range r.gameplay {
		c.gameplay[id] = struct{}{}
	}
	return c
}

// User 取得成員
func (r *Room) User(userID int64) (*RoomUser, bool) {
	for _, u := range r.Users {
		if u.UserID == userID {
			return u, true
		}
	}
	return nil, false
}

// InGameplay 使用者是否在遊戲子群組
func (r *Room) InGameplay(userID int64) bool {
	_, ok := r.gameplay[userID]
	return ok
}

// GameplayUsers 遊戲子群組成員（已排序）
func (r *Room) GameplayUsers() []int64 {
	ids := make([]int64, 0, len(r.gameplay))
	for id := range r.gameplay {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// CurrentItem 目前的播放項目
func (r *Room) CurrentItem() (*database.PlaylistItem, bool) {
	return r.Item(r.Settings.PlaylistItemID)
}

// Item 依 ID 取得播放項目
func (r *Room) Item(itemID int64) (*database.PlaylistItem, bool) {
	for _, item := range r.Playlist {
		if item.ID == itemID {
			return item, true
		}
	}
	return nil, false
}

func (r *Room) userIDs() []int64 {
	ids := make([]int64, 0, len(r.Users))
	for _, u := range r.Users {
		ids = append(ids, u.UserID)
	}
	return ids
}

func (r *Room) usersInState(state RoomUserState) []*RoomUser {
	var users []*RoomUser
	for _, u := range r.Users {
		if u.State == state {
			users = append(users, u)
		}
	}
	return users
}

func (r *Room) anyUserInState(state RoomUserState) bool {
	return slices.ContainsFunc(r.Users, func(u *RoomUser) bool { return u.State == state })
}

func (r *Room) removeUser(userID int64) (*RoomUser, bool) {
	idx := slices.IndexFunc(r.Users, func(u *RoomUser) bool { return u.UserID == userID })
	if idx < 0 {
		return nil, false
	}
	user := r.Users[idx]
	r.Users = slices.Delete(r.Users, idx, idx+1)
	return user, true
}

// nextUnplayedItem 依播放順序找下一個未播放的項目
func (r *Room) nextUnplayedItem() (*database.PlaylistItem, bool) {
	for _, item := range r.Playlist {
		if !item.Expired {
			return item, true
		}
	}
	return nil, false
}

func (r *Room) nextPlaylistOrder() int {
	order := 0
	for _, item := range r.Playlist {
		order = max(order, item.PlaylistOrder)
	}
	return order + 1
}
