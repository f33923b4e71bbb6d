package multiplayer

import (
	"context"
	"time"

	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/notify"
	apperrors "github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/errors"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/logger"
)

// 倒數計時器
//
// 系統設計考量：
//
//  1. 計時器不持有任何鎖：
//     time.AfterFunc 觸發後才去取房間租約，和一般請求走同一條路。
//  2. 觸發與停止的競爭：
//     誰先拿到房間租約誰贏。停止會清掉 room.Countdown，
//     晚到的計時器看到 ID 不符就什麼都不做。
//  3. 自動開始的倒數不能被手動停止，條件不成立時由伺服器自己停掉。

// countdownFireTimeout 計時器觸發後處理的時間上限
const countdownFireTimeout = 10 * time.Second

// StartCountdown 房主開始倒數，結束時開始比賽
//
// 已經有倒數時直接取代（先廣播停止，再廣播新的倒數）。
func (c *Coordinator) StartCountdown(ctx context.Context, caller Caller, delay time.Duration) error {
	if delay <= 0 {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "countdown duration must be positive")
	}

	return c.withHost(ctx, caller, func(ctx context.Context, room *Room, host *RoomUser) error {
		if room.State != RoomOpen {
			return apperrors.InvalidState("countdown can only be started while the room is open")
		}
		if host.State != UserReady {
			return apperrors.InvalidState("host is not ready")
		}

		return c.startCountdown(ctx, room, delay, true)
	})
}

// StopCountdown 房主停止倒數，自動開始的倒數會被忽略
func (c *Coordinator) StopCountdown(ctx context.Context, caller Caller) error {
	return c.withHost(ctx, caller, func(ctx context.Context, room *Room, _ *RoomUser) error {
		if room.Countdown == nil || !room.Countdown.Cancellable {
			return nil
		}
		c.stopCountdown(ctx, room)
		return nil
	})
}

func (c *Coordinator) startCountdown(ctx context.Context, room *Room, delay time.Duration, cancellable bool) error {
	id, err := c.ids.Next()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to generate countdown id")
	}

	c.stopCountdown(ctx, room)

	countdown := &Countdown{
		ID:          id,
		EndTime:     time.Now().Add(delay),
		Cancellable: cancellable,
	}
	room.Countdown = countdown

	roomID := room.ID
	room.countdownTimer = time.AfterFunc(delay, func() {
		c.countdownFinished(roomID, id)
	})

	snapshot := *countdown
	c.broadcast(ctx, room, event(notify.EventCountdownChanged, CountdownChangedData{Countdown: &snapshot}))

	c.logger.DebugContext(ctx, "countdown started",
		"countdown_id", id,
		"delay", delay,
		"cancellable", cancellable)
	return nil
}

// stopCountdown 停止目前的倒數並廣播，沒有倒數時不做事
func (c *Coordinator) stopCountdown(ctx context.Context, room *Room) {
	if room.Countdown == nil {
		return
	}
	c.cancelCountdown(room)
	c.broadcast(ctx, room, event(notify.EventCountdownChanged, CountdownChangedData{}))
}

// cancelCountdown 只停掉計時器，不廣播
func (c *Coordinator) cancelCountdown(room *Room) {
	if room.countdownTimer != nil {
		room.countdownTimer.Stop()
		room.countdownTimer = nil
	}
	room.Countdown = nil
}

// countdownFinished 計時器觸發
func (c *Coordinator) countdownFinished(roomID, countdownID int64) {
	ctx, cancel := context.WithTimeout(logger.WithRoomID(context.Background(), roomID), countdownFireTimeout)
	defer cancel()

	usage, err := c.rooms.GetForUse(ctx, roomID, false)
	if err != nil {
		if !apperrors.IsNotFound(err) {
			c.logger.ErrorContext(ctx, "failed to acquire room for countdown",
				"countdown_id", countdownID,
				"error", err)
		}
		return
	}
	defer usage.Release()

	room := usage.Item()
	if room.Countdown == nil || room.Countdown.ID != countdownID {
		// 已被停止或取代
		return
	}

	room.Countdown = nil
	room.countdownTimer = nil

	if err := c.startMatch(ctx, room); err != nil {
		c.logger.InfoContext(ctx, "countdown finished but match could not start",
			"error", err)
	}

	c.broadcast(ctx, room, event(notify.EventCountdownChanged, CountdownChangedData{}))
}

// updateAutoStart 依成員狀態啟動或停止倒數
//
//   - 手動倒數：房主不再 Ready 或沒有人 Ready 時停止
//   - 自動開始：AutoStartDuration > 0 且所有成員都 Ready 時啟動，條件不成立就停止
func (c *Coordinator) updateAutoStart(ctx context.Context, room *Room) {
	if countdown := room.Countdown; countdown != nil {
		if countdown.Cancellable {
			host, ok := room.User(room.HostID)
			if !ok || host.State != UserReady || !room.anyUserInState(UserReady) {
				c.stopCountdown(ctx, room)
			}
			return
		}

		if !autoStartReady(room) {
			c.stopCountdown(ctx, room)
		}
		return
	}

	if !autoStartReady(room) {
		return
	}
	if err := c.startCountdown(ctx, room, room.Settings.AutoStartDuration, false); err != nil {
		c.logger.ErrorContext(ctx, "failed to start auto start countdown",
			"error", err)
	}
}

func autoStartReady(room *Room) bool {
	if room.Settings.AutoStartDuration <= 0 || room.State != RoomOpen || len(room.Users) == 0 {
		return false
	}
	for _, u := range room.Users {
		if u.State != UserReady {
			return false
		}
	}
	return true
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
