// Package multiplayer 多人房間的權威狀態機
//
// 系統設計問題：
//
//	成百上千個房間同時有人加入、準備、開始、離開，
//	還有計時器在背景觸發比賽開始。同一個房間的操作必須依序進行，
//	不同房間之間不能互相等待；多步驟操作失敗時不能留下半成品。
//
// 設計方案：
//
//	房間與使用者狀態都放在 entity.Store，修改前先取得租約：
//	  - 鎖的順序固定為「房間 → 使用者」，避免交錯死鎖
//	  - 從使用者出發的操作先偷看房間 ID，鎖住之後再確認一次，不一致就重試
//	  - 倒數計時器觸發時重新取得房間租約，以倒數 ID 判斷是否已被取代
//	  - 加入房間時所有會失敗的步驟都在修改記憶體狀態之前完成，失敗就銷毀本次建立的實體
package multiplayer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/connection"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/database"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/entity"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/notify"
	apperrors "github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/errors"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/logger"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/snowflake"
)

// Coordinator 多人房間協調器
type Coordinator struct {
	rooms    *entity.Store[*Room]
	users    *connection.Stateful[*UserState]
	store    database.Store
	notifier notify.Notifier
	eventLog *EventLogger
	ids      *snowflake.Generator
	logger   *slog.Logger
}

// NewCoordinator 創建協調器
func NewCoordinator(store database.Store, notifier notify.Notifier, eventLog *EventLogger, ids *snowflake.Generator, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		rooms:    entity.NewStore[*Room]("room"),
		store:    store,
		notifier: notifier,
		eventLog: eventLog,
		ids:      ids,
		logger:   logger,
	}
	c.users = connection.NewStateful[*UserState](string(connection.ServiceMultiplayer), c.CleanUpUser, logger)
	return c
}

// Stats 統計資訊
type Stats struct {
	Rooms int `json:"rooms"`
	Users int `json:"users"`
}

// Stats 目前的房間數與使用者數
func (c *Coordinator) Stats() Stats {
	return Stats{
		Rooms: c.rooms.Len(),
		Users: c.users.States().Len(),
	}
}

// OnConnected 連線建立時清理過期的使用者狀態
func (c *Coordinator) OnConnected(ctx context.Context, client connection.ClientState) error {
	return c.users.OnConnected(ctx, client)
}

// OnDisconnected 連線斷開時讓使用者離開房間
func (c *Coordinator) OnDisconnected(ctx context.Context, client connection.ClientState) {
	c.users.OnDisconnected(ctx, client)
}

// roomEvents 給對戰模式使用的窄介面實作
type roomEvents struct {
	notifier notify.Notifier
	eventLog *EventLogger
}

func (e roomEvents) Broadcast(ctx context.Context, roomID int64, event notify.Event) {
	e.notifier.SendGroup(ctx, notify.RoomGroup(roomID), event)
}

func (e roomEvents) Log(ctx context.Context, event *database.RoomEvent) {
	e.eventLog.Log(ctx, event)
}

func (c *Coordinator) roomEvents() RoomEvents {
	return roomEvents{notifier: c.notifier, eventLog: c.eventLog}
}

func (c *Coordinator) broadcast(ctx context.Context, room *Room, event notify.Event) {
	c.notifier.SendGroup(ctx, notify.RoomGroup(room.ID), event)
}

// JoinRoom 加入房間，回傳房間快照
//
// 任何一步失敗都會銷毀本次建立的房間與使用者狀態，不留下半成品。
func (c *Coordinator) JoinRoom(ctx context.Context, caller Caller, roomID int64) (*Room, error) {
	ctx = logger.WithRoomID(ctx, roomID)

	roomUsage, err := c.rooms.GetForUse(ctx, roomID, true)
	if err != nil {
		return nil, err
	}
	defer roomUsage.Release()

	userUsage, err := c.users.GetForConnection(ctx, caller.client(), true)
	if err != nil {
		return nil, err
	}
	defer userUsage.Release()

	if userUsage.HasItem() {
		return nil, apperrors.ErrAlreadyJoined
	}

	var (
		room         *Room
		created      bool
		participants []int64
		persisted    bool
	)

	rollback := func(err error) (*Room, error) {
		if created {
			roomUsage.Destroy()
		}
		userUsage.Destroy()

		if persisted {
			if restoreErr := c.store.UpdateRoomParticipants(ctx, roomID, participants); restoreErr != nil {
				c.logger.WarnContext(ctx, "failed to restore room participants",
					"error", restoreErr)
			}
		}

		c.logger.InfoContext(ctx, "join room failed",
			"user_id", caller.UserID,
			"error", err)
		return nil, err
	}

	restricted, err := c.store.IsUserRestricted(ctx, caller.UserID)
	if err != nil {
		return rollback(fmt.Errorf("check user restriction: %w", err))
	}
	if restricted {
		return rollback(apperrors.InvalidState("restricted users cannot join rooms"))
	}

	room = roomUsage.Item()
	if room == nil {
		room, err = c.loadRoom(ctx, roomID)
		if err != nil {
			return rollback(err)
		}
		created = true

		if err := c.store.MarkRoomActive(ctx, roomID); err != nil {
			return rollback(fmt.Errorf("mark room active: %w", err))
		}
	}

	participants = room.userIDs()
	if err := c.store.UpdateRoomParticipants(ctx, roomID, append(room.userIDs(), caller.UserID)); err != nil {
		return rollback(fmt.Errorf("update participants: %w", err))
	}
	persisted = true

	becomesHost := len(room.Users) == 0
	if becomesHost && room.HostID != caller.UserID {
		if err := c.store.UpdateRoomHost(ctx, roomID, caller.UserID); err != nil {
			return rollback(fmt.Errorf("update host: %w", err))
		}
	}

	// 以下不會再失敗
	if created {
		roomUsage.SetItem(room)
	}
	userUsage.SetItem(&UserState{ClientState: caller.client(), RoomID: roomID})

	user := &RoomUser{UserID: caller.UserID, State: UserIdle}
	room.Users = append(room.Users, user)
	if becomesHost {
		room.HostID = caller.UserID
	}

	c.broadcast(ctx, room, event(notify.EventUserJoined, user.clone()))
	c.notifier.JoinGroup(ctx, notify.RoomGroup(roomID), caller.UserID)
	room.matchType.HandleUserJoined(ctx, user)

	if created {
		c.eventLog.RoomCreated(ctx, roomID, caller.UserID)
	}
	c.eventLog.PlayerJoined(ctx, roomID, caller.UserID)

	c.updateAutoStart(ctx, room)

	c.logger.InfoContext(ctx, "user joined room",
		"user_id", caller.UserID,
		"users", len(room.Users),
		"host_id", room.HostID)

	return room.Clone(), nil
}

// loadRoom 從 Store 載入房間設定與播放清單
func (c *Coordinator) loadRoom(ctx context.Context, roomID int64) (*Room, error) {
	record, err := c.store.GetRoom(ctx, roomID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.ErrRoomNotFound
		}
		return nil, fmt.Errorf("get room: %w", err)
	}
	if record.HasEnded() {
		return nil, apperrors.ErrRoomNotFound
	}

	items, err := c.store.GetPlaylistItems(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("get playlist: %w", err)
	}

	matchType := MatchType(record.Type)
	if !matchType.valid() {
		c.logger.WarnContext(ctx, "unknown match type, using head to head",
			"match_type", record.Type)
		matchType = MatchHeadToHead
	}

	queueMode := QueueMode(record.QueueMode)
	if !queueMode.valid() {
		queueMode = QueueHostOnly
	}

	room := &Room{
		ID:     roomID,
		HostID: record.HostID,
		State:  RoomOpen,
		Settings: Settings{
			Name:              record.Name,
			Password:          record.Password,
			MatchType:         matchType,
			QueueMode:         queueMode,
			AutoStartDuration: record.AutoStartDuration,
		},
		gameplay: make(map[int64]struct{}),
	}
	for i := range items {
		room.Playlist = append(room.Playlist, &items[i])
	}

	current, ok := room.nextUnplayedItem()
	if !ok && len(room.Playlist) > 0 {
		current, ok = room.Playlist[len(room.Playlist)-1], true
	}
	if ok {
		room.Settings.applyItem(current)
	}

	room.matchType = newMatchType(matchType, room, c.roomEvents())
	return room, nil
}

// lockCallerRoom 依「房間 → 使用者」順序鎖住呼叫者與其所在房間
func (c *Coordinator) lockCallerRoom(ctx context.Context, caller Caller) (*entity.Usage[*Room], *entity.Usage[*UserState], error) {
	for {
		peeked, ok := c.users.States().GetEntityUnsafe(caller.UserID)
		if !ok || peeked == nil {
			return nil, nil, apperrors.ErrNotJoined
		}
		roomID := peeked.RoomID

		roomUsage, err := c.rooms.GetForUse(ctx, roomID, false)
		if err != nil {
			if !apperrors.IsNotFound(err) {
				return nil, nil, err
			}
			// 偷看到的狀態已經過期就重試
			if current, ok := c.users.States().GetEntityUnsafe(caller.UserID); ok && current != peeked {
				continue
			}
			return nil, nil, apperrors.ErrNotJoined
		}

		userUsage, err := c.users.GetForConnection(ctx, caller.client(), false)
		if err != nil {
			roomUsage.Release()
			if apperrors.IsNotFound(err) {
				return nil, nil, apperrors.ErrNotJoined
			}
			return nil, nil, err
		}

		if userUsage.Item().RoomID != roomID {
			userUsage.Release()
			roomUsage.Release()
			continue
		}

		return roomUsage, userUsage, nil
	}
}

// withRoom 鎖住呼叫者的房間後執行 fn
func (c *Coordinator) withRoom(ctx context.Context, caller Caller, fn func(ctx context.Context, room *Room, user *RoomUser) error) error {
	roomUsage, userUsage, err := c.lockCallerRoom(ctx, caller)
	if err != nil {
		return err
	}
	defer roomUsage.Release()
	// 房間租約已經保證同房間的操作依序進行
	userUsage.Release()

	room := roomUsage.Item()
	user, ok := room.User(caller.UserID)
	if !ok {
		return apperrors.ErrNotJoined
	}
	return fn(logger.WithRoomID(ctx, room.ID), room, user)
}

func (c *Coordinator) withHost(ctx context.Context, caller Caller, fn func(ctx context.Context, room *Room, user *RoomUser) error) error {
	return c.withRoom(ctx, caller, func(ctx context.Context, room *Room, user *RoomUser) error {
		if room.HostID != caller.UserID {
			return apperrors.ErrNotHost
		}
		return fn(ctx, room, user)
	})
}

// LeaveRoom 離開目前的房間
func (c *Coordinator) LeaveRoom(ctx context.Context, caller Caller) error {
	roomUsage, userUsage, err := c.lockCallerRoom(ctx, caller)
	if err != nil {
		return err
	}
	defer roomUsage.Release()
	defer userUsage.Release()

	ctx = logger.WithRoomID(ctx, roomUsage.Item().ID)
	c.removeUser(ctx, roomUsage, caller.UserID, false)
	userUsage.Destroy()
	return nil
}

// KickUser 房主把成員踢出房間
func (c *Coordinator) KickUser(ctx context.Context, caller Caller, userID int64) error {
	roomUsage, userUsage, err := c.lockCallerRoom(ctx, caller)
	if err != nil {
		return err
	}
	defer roomUsage.Release()
	userUsage.Release()

	room := roomUsage.Item()
	ctx = logger.WithRoomID(ctx, room.ID)
	if room.HostID != caller.UserID {
		return apperrors.ErrNotHost
	}
	if userID == caller.UserID {
		return apperrors.InvalidState("cannot kick yourself")
	}
	if _, ok := room.User(userID); !ok {
		return apperrors.ErrNotJoined.WithDetails(fmt.Sprintf("user %d is not in the room", userID))
	}

	// 仍在「房間 → 使用者」順序內
	targetUsage, err := c.users.States().GetForUse(ctx, userID, false)
	if err != nil && !apperrors.IsNotFound(err) {
		return err
	}

	c.removeUser(ctx, roomUsage, userID, true)

	if targetUsage != nil {
		if targetUsage.Item().RoomID == room.ID {
			targetUsage.Destroy()
		}
		targetUsage.Release()
	}
	return nil
}

// CleanUpUser 連線過期或斷線時讓使用者離開房間
//
// 以「房間 → 使用者」順序上鎖，鎖住後再以 stale 確認狀態仍屬於要清理的連線。
func (c *Coordinator) CleanUpUser(ctx context.Context, userID int64, stale func(*UserState) bool) error {
	for {
		peeked, ok := c.users.States().GetEntityUnsafe(userID)
		if !ok || peeked == nil {
			return nil
		}

		roomUsage, err := c.rooms.GetForUse(ctx, peeked.RoomID, false)
		if err != nil {
			if !apperrors.IsNotFound(err) {
				return err
			}
			if current, ok := c.users.States().GetEntityUnsafe(userID); ok && current != peeked {
				continue
			}
			// 房間已經不存在，只需要清掉使用者狀態
			_, _, err := c.users.DestroyIf(ctx, userID, stale)
			return err
		}

		userUsage, err := c.users.States().GetForUse(ctx, userID, false)
		if err != nil {
			roomUsage.Release()
			if apperrors.IsNotFound(err) {
				return nil
			}
			return err
		}

		state := userUsage.Item()
		if state.RoomID != peeked.RoomID {
			userUsage.Release()
			roomUsage.Release()
			continue
		}

		if stale(state) {
			c.removeUser(logger.WithRoomID(ctx, state.RoomID), roomUsage, userID, false)
			userUsage.Destroy()
		}

		userUsage.Release()
		roomUsage.Release()
		return nil
	}
}

// removeUser 把使用者移出房間，房間空了就解散
//
// 呼叫端持有房間租約，使用者狀態由呼叫端銷毀。
func (c *Coordinator) removeUser(ctx context.Context, roomUsage *entity.Usage[*Room], userID int64, kicked bool) {
	room := roomUsage.Item()

	if kicked {
		// 被踢的人也要收到通知
		c.broadcast(ctx, room, event(notify.EventUserKicked, UserIDData{UserID: userID}))
	}

	user, ok := room.removeUser(userID)
	if !ok {
		return
	}
	c.leaveGameplay(ctx, room, userID)
	c.notifier.LeaveGroup(ctx, notify.RoomGroup(room.ID), userID)

	if len(room.Users) == 0 {
		c.disband(ctx, roomUsage, userID)
		return
	}

	if room.HostID == userID {
		if err := c.setHost(ctx, room, room.Users[0].UserID); err != nil {
			c.logger.WarnContext(ctx, "failed to persist host transfer",
				"host_id", room.HostID,
				"error", err)
		}
	}

	room.matchType.HandleUserLeft(ctx, user)

	if kicked {
		c.eventLog.PlayerKicked(ctx, room.ID, userID)
	} else {
		c.broadcast(ctx, room, event(notify.EventUserLeft, UserIDData{UserID: userID}))
		c.eventLog.PlayerLeft(ctx, room.ID, userID)
	}

	if err := c.store.UpdateRoomParticipants(ctx, room.ID, room.userIDs()); err != nil {
		c.logger.WarnContext(ctx, "failed to update participants",
			"error", err)
	}

	c.updateRoomStateIfRequired(ctx, room)
	c.updateAutoStart(ctx, room)

	c.logger.InfoContext(ctx, "user left room",
		"user_id", userID,
		"kicked", kicked,
		"users", len(room.Users))
}

func (c *Coordinator) disband(ctx context.Context, roomUsage *entity.Usage[*Room], lastUserID int64) {
	room := roomUsage.Item()

	c.cancelCountdown(room)
	roomUsage.Destroy()

	// 房間本身保留，之後仍可重新加入；只有網站端結束的房間才會被拒絕
	if err := c.store.UpdateRoomParticipants(ctx, room.ID, nil); err != nil {
		c.logger.WarnContext(ctx, "failed to clear participants",
			"error", err)
	}
	c.eventLog.RoomDisbanded(ctx, room.ID, lastUserID)

	c.logger.InfoContext(ctx, "room disbanded")
}

// setHost 寫入新房主並廣播，寫入失敗時記憶體狀態仍會更新
func (c *Coordinator) setHost(ctx context.Context, room *Room, userID int64) error {
	err := c.store.UpdateRoomHost(ctx, room.ID, userID)

	room.HostID = userID
	c.broadcast(ctx, room, event(notify.EventHostChanged, UserIDData{UserID: userID}))
	c.eventLog.HostChanged(ctx, room.ID, userID)
	return err
}

// TransferHost 房主把權限交給其他成員
func (c *Coordinator) TransferHost(ctx context.Context, caller Caller, userID int64) error {
	return c.withHost(ctx, caller, func(ctx context.Context, room *Room, _ *RoomUser) error {
		if _, ok := room.User(userID); !ok {
			return apperrors.ErrNotJoined.WithDetails(fmt.Sprintf("user %d is not in the room", userID))
		}
		if userID == room.HostID {
			return nil
		}

		if err := c.store.UpdateRoomHost(ctx, room.ID, userID); err != nil {
			return fmt.Errorf("update host: %w", err)
		}

		room.HostID = userID
		c.broadcast(ctx, room, event(notify.EventHostChanged, UserIDData{UserID: userID}))
		c.eventLog.HostChanged(ctx, room.ID, userID)

		c.updateAutoStart(ctx, room)
		return nil
	})
}

// ChangeState 成員切換自己的狀態
//
// 允許的切換：
//
//	Idle → Ready（房間 Open 時）
//	WaitingForLoad → Loaded
//	Playing → FinishedPlay
//	任何狀態 → Idle
func (c *Coordinator) ChangeState(ctx context.Context, caller Caller, state RoomUserState) error {
	if reservedUserStates[state] {
		return apperrors.InvalidStateChange(fmt.Sprintf("cannot change to %s", state))
	}

	return c.withRoom(ctx, caller, func(ctx context.Context, room *Room, user *RoomUser) error {
		if user.State == state {
			return nil
		}

		switch state {
		case UserIdle:
		case UserReady:
			if user.State != UserIdle || room.State != RoomOpen {
				return apperrors.InvalidStateChange(fmt.Sprintf("cannot change from %s to %s", user.State, state))
			}
		case UserLoaded:
			if user.State != UserWaitingForLoad {
				return apperrors.InvalidStateChange(fmt.Sprintf("cannot change from %s to %s", user.State, state))
			}
		case UserFinishedPlay:
			if user.State != UserPlaying {
				return apperrors.InvalidStateChange(fmt.Sprintf("cannot change from %s to %s", user.State, state))
			}
		default:
			return apperrors.InvalidStateChange(fmt.Sprintf("unknown state %q", state))
		}

		c.changeUserState(ctx, room, user, state)
		if state == UserIdle {
			c.leaveGameplay(ctx, room, user.UserID)
		}

		c.updateRoomStateIfRequired(ctx, room)
		c.updateAutoStart(ctx, room)
		return nil
	})
}

func (c *Coordinator) changeUserState(ctx context.Context, room *Room, user *RoomUser, state RoomUserState) {
	user.State = state
	c.broadcast(ctx, room, event(notify.EventUserStateChanged, UserStateChangedData{
		UserID: user.UserID,
		State:  state,
	}))
}

func (c *Coordinator) changeRoomState(ctx context.Context, room *Room, state RoomState) {
	room.State = state
	c.broadcast(ctx, room, event(notify.EventRoomStateChanged, RoomStateChangedData{State: state}))
}

func (c *Coordinator) joinGameplay(ctx context.Context, room *Room, userID int64) {
	room.gameplay[userID] = struct{}{}
	c.notifier.JoinGroup(ctx, notify.GameplayGroup(room.ID), userID)
}

func (c *Coordinator) leaveGameplay(ctx context.Context, room *Room, userID int64) {
	if !room.InGameplay(userID) {
		return
	}
	delete(room.gameplay, userID)
	c.notifier.LeaveGroup(ctx, notify.GameplayGroup(room.ID), userID)
}

// StartMatch 房主開始比賽
func (c *Coordinator) StartMatch(ctx context.Context, caller Caller) error {
	return c.withHost(ctx, caller, func(ctx context.Context, room *Room, host *RoomUser) error {
		if room.State != RoomOpen {
			return apperrors.InvalidState("room is not open")
		}
		if host.State != UserReady {
			return apperrors.InvalidState("host is not ready")
		}
		return c.startMatch(ctx, room)
	})
}

// startMatch 所有 Ready 的成員進入載入階段
func (c *Coordinator) startMatch(ctx context.Context, room *Room) error {
	if room.State != RoomOpen {
		return apperrors.InvalidState("room is not open")
	}

	ready := room.usersInState(UserReady)
	if len(ready) == 0 {
		return apperrors.InvalidState("no users are ready")
	}

	item, ok := room.CurrentItem()
	if !ok || item.Expired {
		return apperrors.InvalidState("no playlist item to play")
	}

	c.stopCountdown(ctx, room)

	for _, user := range ready {
		c.changeUserState(ctx, room, user, UserWaitingForLoad)
		c.joinGameplay(ctx, room, user.UserID)
	}

	c.changeRoomState(ctx, room, RoomWaitingForLoad)
	c.notifier.SendGroup(ctx, notify.GameplayGroup(room.ID), event(notify.EventLoadRequested, nil))

	c.eventLog.GameStarted(ctx, room.ID, item.ID, room.matchType.RoomState())

	c.logger.InfoContext(ctx, "match started",
		"playlist_item_id", item.ID,
		"players", len(ready))
	return nil
}

// updateRoomStateIfRequired 依成員狀態推進房間狀態
func (c *Coordinator) updateRoomStateIfRequired(ctx context.Context, room *Room) {
	switch room.State {
	case RoomWaitingForLoad:
		if room.anyUserInState(UserWaitingForLoad) {
			return
		}

		loaded := room.usersInState(UserLoaded)
		if len(loaded) == 0 {
			// 所有人都放棄載入，比賽取消
			c.changeRoomState(ctx, room, RoomOpen)
			for _, id := range room.GameplayUsers() {
				c.leaveGameplay(ctx, room, id)
			}
			if item, ok := room.CurrentItem(); ok {
				c.eventLog.GameAborted(ctx, room.ID, item.ID)
			}
			return
		}

		for _, user := range loaded {
			c.changeUserState(ctx, room, user, UserPlaying)
		}
		c.changeRoomState(ctx, room, RoomPlaying)
		c.broadcast(ctx, room, event(notify.EventMatchStarted, nil))

	case RoomPlaying:
		if room.anyUserInState(UserPlaying) {
			return
		}

		for _, user := range room.usersInState(UserFinishedPlay) {
			c.changeUserState(ctx, room, user, UserResults)
		}
		c.changeRoomState(ctx, room, RoomOpen)

		c.notifier.SendGroup(ctx, notify.GameplayGroup(room.ID), event(notify.EventResultsReady, nil))
		for _, id := range room.GameplayUsers() {
			c.leaveGameplay(ctx, room, id)
		}

		c.finishCurrentItem(ctx, room)
	}
}

// ChangeSettings 房主修改房間設定
//
// 所有人回到 Idle；對戰模式改變時重新綁定並對每個成員重跑加入流程。
func (c *Coordinator) ChangeSettings(ctx context.Context, caller Caller, settings Settings) error {
	return c.withHost(ctx, caller, func(ctx context.Context, room *Room, _ *RoomUser) error {
		if room.State != RoomOpen {
			return apperrors.InvalidState("settings can only be changed while the room is open")
		}
		// 沒有指定的類型沿用目前設定
		if settings.MatchType == "" {
			settings.MatchType = room.Settings.MatchType
		}
		if settings.QueueMode == "" {
			settings.QueueMode = room.Settings.QueueMode
		}
		if !settings.MatchType.valid() {
			return apperrors.InvalidState(fmt.Sprintf("unknown match type %q", settings.MatchType))
		}
		if !settings.QueueMode.valid() {
			return apperrors.InvalidState(fmt.Sprintf("unknown queue mode %q", settings.QueueMode))
		}
		if settings.AutoStartDuration < 0 {
			return apperrors.InvalidState("auto start duration cannot be negative")
		}

		err := c.store.UpdateRoomSettings(ctx, &database.Room{
			ID:                room.ID,
			Name:              settings.Name,
			Password:          settings.Password,
			HostID:            room.HostID,
			Type:              string(settings.MatchType),
			QueueMode:         string(settings.QueueMode),
			AutoStartDuration: settings.AutoStartDuration,
		})
		if err != nil {
			return fmt.Errorf("update room settings: %w", err)
		}

		previousType := room.Settings.MatchType
		room.Settings.Name = settings.Name
		room.Settings.Password = settings.Password
		room.Settings.MatchType = settings.MatchType
		room.Settings.QueueMode = settings.QueueMode
		room.Settings.AutoStartDuration = settings.AutoStartDuration

		for _, user := range room.Users {
			if user.State != UserIdle {
				c.changeUserState(ctx, room, user, UserIdle)
			}
		}

		if previousType != settings.MatchType {
			room.matchType = newMatchType(settings.MatchType, room, c.roomEvents())
			for _, user := range room.Users {
				room.matchType.HandleUserJoined(ctx, user)
			}
			c.broadcast(ctx, room, event(notify.EventMatchRoomStateChanged, MatchRoomStateChangedData{
				State: room.matchType.RoomState(),
			}))
		}

		c.broadcast(ctx, room, event(notify.EventSettingsChanged, room.Settings))
		c.updateAutoStart(ctx, room)
		return nil
	})
}

// SendMatchRequest 比賽相關請求，倒數請求在這裡處理，其餘交給對戰模式
func (c *Coordinator) SendMatchRequest(ctx context.Context, caller Caller, request MatchRequest) error {
	switch request.Type {
	case RequestStartCountdown:
		return c.StartCountdown(ctx, caller, secondsToDuration(request.Duration))
	case RequestStopCountdown:
		return c.StopCountdown(ctx, caller)
	}

	return c.withRoom(ctx, caller, func(ctx context.Context, room *Room, user *RoomUser) error {
		return room.matchType.HandleUserRequest(ctx, user, request)
	})
}

// Room 房間快照
func (c *Coordinator) Room(ctx context.Context, roomID int64) (*Room, error) {
	usage, err := c.rooms.GetForUse(ctx, roomID, false)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.ErrRoomNotFound
		}
		return nil, err
	}
	defer usage.Release()

	return usage.Item().Clone(), nil
}

// Rooms 所有使用中房間的快照
func (c *Coordinator) Rooms(ctx context.Context) ([]*Room, error) {
	entries := c.rooms.GetAllEntities()

	rooms := make([]*Room, 0, len(entries))
	for _, entry := range entries {
		room, err := c.Room(ctx, entry.ID)
		if err != nil {
			if apperrors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}
