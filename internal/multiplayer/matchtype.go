package multiplayer

import (
	"context"

	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/database"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/notify"
	apperrors "github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/errors"
)

// MatchType 對戰模式，封閉集合
type MatchType string

const (
	MatchHeadToHead MatchType = "head_to_head"
	MatchTeamVersus MatchType = "team_versus"
)

func (t MatchType) valid() bool {
	return t == MatchHeadToHead || t == MatchTeamVersus
}

// MatchUserState 對戰模式附加在成員上的資料
type MatchUserState interface {
	matchUserState()
}

// MatchRoomState 對戰模式附加在房間上的資料
type MatchRoomState interface {
	matchRoomState()
}

// 比賽相關請求類型
const (
	RequestChangeTeam     = "change_team"
	RequestStartCountdown = "start_countdown"
	RequestStopCountdown  = "stop_countdown"
)

// MatchRequest 客戶端送來的比賽請求
type MatchRequest struct {
	Type     string  `json:"type"`
	TeamID   *int    `json:"team_id,omitempty"`
	Duration float64 `json:"duration,omitempty"` // 秒，start_countdown 使用
}

// RoomEvents 對戰模式能接觸到的全部外部能力
//
// 模式實作不持有 Coordinator 或傳輸層，只能廣播到房間與寫事件紀錄。
type RoomEvents interface {
	Broadcast(ctx context.Context, roomID int64, event notify.Event)
	Log(ctx context.Context, event *database.RoomEvent)
}

// matchTypeImplementation 對戰模式的行為
//
// 呼叫端持有房間租約。
type matchTypeImplementation interface {
	Type() MatchType
	HandleUserJoined(ctx context.Context, user *RoomUser)
	HandleUserLeft(ctx context.Context, user *RoomUser)
	HandleUserRequest(ctx context.Context, user *RoomUser, request MatchRequest) error
	RoomState() MatchRoomState
}

// newMatchType 依模式建立實作，未知模式視為 head_to_head
func newMatchType(matchType MatchType, room *Room, events RoomEvents) matchTypeImplementation {
	switch matchType {
	case MatchTeamVersus:
		return &teamVersus{room: room, events: events}
	default:
		return &headToHead{room: room, events: events}
	}
}

// headToHead 個人賽，不需要任何附加資料
type headToHead struct {
	room   *Room
	events RoomEvents
}

func (h *headToHead) Type() MatchType {
	return MatchHeadToHead
}

// HandleUserJoined 清掉上一個模式留下的資料，讓客戶端看到一次狀態變更
func (h *headToHead) HandleUserJoined(ctx context.Context, user *RoomUser) {
	if user.MatchState == nil {
		return
	}
	user.MatchState = nil
	h.events.Broadcast(ctx, h.room.ID, event(notify.EventMatchUserStateChanged, MatchUserStateChangedData{
		UserID: user.UserID,
	}))
}

func (h *headToHead) HandleUserLeft(context.Context, *RoomUser) {}

func (h *headToHead) HandleUserRequest(context.Context, *RoomUser, MatchRequest) error {
	return apperrors.InvalidState("head to head rooms do not accept match requests")
}

func (h *headToHead) RoomState() MatchRoomState {
	return nil
}

// 隊伍
const (
	TeamRed  = 0
	TeamBlue = 1
)

// Team 隊伍
type Team struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// TeamVersusRoomState 團隊賽的房間資料
type TeamVersusRoomState struct {
	Teams []Team `json:"teams"`
}

func (TeamVersusRoomState) matchRoomState() {}

// TeamVersusUserState 團隊賽的成員資料
type TeamVersusUserState struct {
	TeamID int `json:"team_id"`
}

func (TeamVersusUserState) matchUserState() {}

// teamVersus 紅藍兩隊
type teamVersus struct {
	room   *Room
	events RoomEvents
}

func (t *teamVersus) Type() MatchType {
	return MatchTeamVersus
}

// HandleUserJoined 分到人數最少的隊伍，同數時選 ID 小的
func (t *teamVersus) HandleUserJoined(ctx context.Context, user *RoomUser) {
	t.setTeam(ctx, user, t.smallestTeam(user.UserID))
}

func (t *teamVersus) HandleUserLeft(context.Context, *RoomUser) {}

func (t *teamVersus) HandleUserRequest(ctx context.Context, user *RoomUser, request MatchRequest) error {
	if request.Type != RequestChangeTeam {
		return apperrors.InvalidState("unsupported match request")
	}
	if request.TeamID == nil || (*request.TeamID != TeamRed && *request.TeamID != TeamBlue) {
		return apperrors.InvalidState("invalid team")
	}

	t.setTeam(ctx, user, *request.TeamID)
	return nil
}

func (t *teamVersus) RoomState() MatchRoomState {
	return TeamVersusRoomState{Teams: []Team{
		{ID: TeamRed, Name: "Team Red"},
		{ID: TeamBlue, Name: "Team Blue"},
	}}
}

func (t *teamVersus) setTeam(ctx context.Context, user *RoomUser, teamID int) {
	state := TeamVersusUserState{TeamID: teamID}
	user.MatchState = state
	t.events.Broadcast(ctx, t.room.ID, event(notify.EventMatchUserStateChanged, MatchUserStateChangedData{
		UserID: user.UserID,
		State:  state,
	}))
}

func (t *teamVersus) smallestTeam(exclude int64) int {
	counts := map[int]int{TeamRed: 0, TeamBlue: 0}
	for _, u := range t.room.Users {
		if u.UserID == exclude {
			continue
		}
		if state, ok := u.MatchState.(TeamVersusUserState); ok {
			counts[state.TeamID]++
		}
	}

	if counts[TeamBlue] < counts[TeamRed] {
		return TeamBlue
	}
	return TeamRed
}
