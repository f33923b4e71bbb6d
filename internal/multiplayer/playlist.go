package multiplayer

import (
	"context"
	"fmt"
	"time"

	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/database"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/notify"
	apperrors "github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/errors"
)

// 合法的 ruleset ID
const (
	minRulesetID = 0
	maxRulesetID = 3
)

func validRuleset(rulesetID int) bool {
	return rulesetID >= minRulesetID && rulesetID <= maxRulesetID
}

// applyItem 讓設定反映目前的播放項目
func (s *Settings) applyItem(item *database.PlaylistItem) {
	s.PlaylistItemID = item.ID
	s.BeatmapID = item.BeatmapID
	s.BeatmapChecksum = item.BeatmapChecksum
	s.RulesetID = item.RulesetID
}

// checkPlaylistPermission 房主模式只有房主能改；所有人模式只能改自己加的項目
func checkPlaylistPermission(room *Room, userID int64, owner *int64) error {
	switch room.Settings.QueueMode {
	case QueueAllPlayers:
		if owner != nil && *owner != userID {
			return apperrors.New(apperrors.ErrCodePermissionDenied, "only the owner can modify this playlist item")
		}
		return nil
	default:
		if room.HostID != userID {
			return apperrors.ErrNotHost
		}
		return nil
	}
}

// validateItem 檢查譜面與設定，回傳譜面資料
func (c *Coordinator) validateItem(ctx context.Context, item *database.PlaylistItem) (*database.Beatmap, error) {
	if item.Freestyle && (len(item.RequiredMods) > 0 || len(item.AllowedMods) > 0) {
		return nil, apperrors.InvalidState("freestyle items cannot specify mods")
	}
	if !validRuleset(item.RulesetID) {
		return nil, apperrors.InvalidState(fmt.Sprintf("invalid ruleset %d", item.RulesetID))
	}

	beatmap, err := c.store.GetBeatmap(ctx, item.BeatmapID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.InvalidState(fmt.Sprintf("beatmap %d does not exist", item.BeatmapID))
		}
		return nil, fmt.Errorf("get beatmap: %w", err)
	}
	if beatmap.Checksum != item.BeatmapChecksum {
		return nil, apperrors.InvalidState("beatmap checksum does not match")
	}
	return beatmap, nil
}

// AddPlaylistItem 新增播放項目，回傳新項目
func (c *Coordinator) AddPlaylistItem(ctx context.Context, caller Caller, item database.PlaylistItem) (*database.PlaylistItem, error) {
	var added database.PlaylistItem

	err := c.withRoom(ctx, caller, func(ctx context.Context, room *Room, _ *RoomUser) error {
		if err := checkPlaylistPermission(room, caller.UserID, nil); err != nil {
			return err
		}

		beatmap, err := c.validateItem(ctx, &item)
		if err != nil {
			return err
		}

		item.ID = 0
		item.RoomID = room.ID
		item.OwnerID = caller.UserID
		item.BeatmapsetID = beatmap.BeatmapsetID
		item.Expired = false
		item.PlayedAt = nil
		item.PlaylistOrder = room.nextPlaylistOrder()

		id, err := c.store.AddPlaylistItem(ctx, &item)
		if err != nil {
			return fmt.Errorf("add playlist item: %w", err)
		}
		item.ID = id

		stored := item.Clone()
		room.Playlist = append(room.Playlist, &stored)
		c.broadcast(ctx, room, event(notify.EventPlaylistItemAdded, stored.Clone()))

		// 之前的項目都播完了，新項目直接成為目前項目
		if current, ok := room.CurrentItem(); !ok || current.Expired {
			c.setCurrentItem(ctx, room, &stored)
		}

		added = stored.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &added, nil
}

// EditPlaylistItem 修改尚未播放的項目
//
// 修改的是目前項目時，每個成員的個人風格會依新的項目重新檢查。
func (c *Coordinator) EditPlaylistItem(ctx context.Context, caller Caller, item database.PlaylistItem) error {
	return c.withRoom(ctx, caller, func(ctx context.Context, room *Room, _ *RoomUser) error {
		existing, ok := room.Item(item.ID)
		if !ok {
			return apperrors.Newf(apperrors.ErrCodeNotFound, "playlist item %d not found", item.ID)
		}
		if err := checkPlaylistPermission(room, caller.UserID, &existing.OwnerID); err != nil {
			return err
		}
		if existing.Expired {
			return apperrors.InvalidState("cannot edit a played item")
		}

		beatmap, err := c.validateItem(ctx, &item)
		if err != nil {
			return err
		}

		updated := existing.Clone()
		updated.BeatmapID = item.BeatmapID
		updated.BeatmapsetID = beatmap.BeatmapsetID
		updated.BeatmapChecksum = item.BeatmapChecksum
		updated.RulesetID = item.RulesetID
		updated.RequiredMods = append([]string(nil), item.RequiredMods...)
		updated.AllowedMods = append([]string(nil), item.AllowedMods...)
		updated.Freestyle = item.Freestyle

		if err := c.store.UpdatePlaylistItem(ctx, &updated); err != nil {
			return fmt.Errorf("update playlist item: %w", err)
		}

		*existing = updated
		c.broadcast(ctx, room, event(notify.EventPlaylistItemChanged, updated.Clone()))

		if existing.ID == room.Settings.PlaylistItemID {
			c.setCurrentItem(ctx, room, existing)
		}
		return nil
	})
}

// RemovePlaylistItem 移除尚未播放、且不是目前項目的播放項目
func (c *Coordinator) RemovePlaylistItem(ctx context.Context, caller Caller, itemID int64) error {
	return c.withRoom(ctx, caller, func(ctx context.Context, room *Room, _ *RoomUser) error {
		existing, ok := room.Item(itemID)
		if !ok {
			return apperrors.Newf(apperrors.ErrCodeNotFound, "playlist item %d not found", itemID)
		}
		if err := checkPlaylistPermission(room, caller.UserID, &existing.OwnerID); err != nil {
			return err
		}
		if existing.Expired {
			return apperrors.InvalidState("cannot remove a played item")
		}
		if existing.ID == room.Settings.PlaylistItemID {
			return apperrors.InvalidState("cannot remove the current item")
		}

		if err := c.store.RemovePlaylistItem(ctx, room.ID, itemID); err != nil {
			return fmt.Errorf("remove playlist item: %w", err)
		}

		for i, item := range room.Playlist {
			if item.ID == itemID {
				room.Playlist = append(room.Playlist[:i], room.Playlist[i+1:]...)
				break
			}
		}
		c.broadcast(ctx, room, event(notify.EventPlaylistItemRemoved, PlaylistItemRemovedData{PlaylistItemID: itemID}))
		return nil
	})
}

// setCurrentItem 切換目前項目並廣播設定，套用個人風格的延續規則
func (c *Coordinator) setCurrentItem(ctx context.Context, room *Room, item *database.PlaylistItem) {
	room.Settings.applyItem(item)
	c.broadcast(ctx, room, event(notify.EventSettingsChanged, room.Settings))
	c.reconcileUserStyles(ctx, room, item)
}

// finishCurrentItem 比賽結束後標記目前項目並前進到下一個
//
// 房主模式下沒有剩餘項目時複製剛播完的項目，讓房間永遠有東西可以播。
func (c *Coordinator) finishCurrentItem(ctx context.Context, room *Room) {
	item, ok := room.CurrentItem()
	if !ok {
		return
	}

	c.eventLog.GameCompleted(ctx, room.ID, item.ID)

	if err := c.store.MarkPlaylistItemPlayed(ctx, room.ID, item.ID); err != nil {
		c.logger.WarnContext(ctx, "failed to mark playlist item played",
			"playlist_item_id", item.ID,
			"error", err)
	}
	now := time.Now()
	item.Expired = true
	item.PlayedAt = &now
	c.broadcast(ctx, room, event(notify.EventPlaylistItemChanged, item.Clone()))

	next, ok := room.nextUnplayedItem()
	if !ok && room.Settings.QueueMode == QueueHostOnly {
		next, ok = c.duplicateItem(ctx, room, item)
	}
	if !ok {
		return
	}
	c.setCurrentItem(ctx, room, next)
}

func (c *Coordinator) duplicateItem(ctx context.Context, room *Room, item *database.PlaylistItem) (*database.PlaylistItem, bool) {
	duplicate := item.Clone()
	duplicate.ID = 0
	duplicate.Expired = false
	duplicate.PlayedAt = nil
	duplicate.PlaylistOrder = room.nextPlaylistOrder()

	id, err := c.store.AddPlaylistItem(ctx, &duplicate)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to duplicate playlist item",
			"playlist_item_id", item.ID,
			"error", err)
		return nil, false
	}
	duplicate.ID = id

	room.Playlist = append(room.Playlist, &duplicate)
	c.broadcast(ctx, room, event(notify.EventPlaylistItemAdded, duplicate.Clone()))
	return &duplicate, true
}
