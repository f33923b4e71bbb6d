package multiplayer

import (
	"context"
	"fmt"

	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/database"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/notify"
	apperrors "github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/errors"
)

// convertible 譜面能否以指定 ruleset 遊玩
//
// 原生模式 0 可轉成任何 ruleset；其他模式只能玩原生模式。
func convertible(beatmap *database.Beatmap, rulesetID int) bool {
	if !validRuleset(rulesetID) {
		return false
	}
	return beatmap.PlayMode == 0 || beatmap.PlayMode == rulesetID
}

// ChangeUserStyle 在 freestyle 項目上選擇個人的譜面與 ruleset
//
// 兩個參數都是完整替換，nil 代表使用項目本身的設定。
func (c *Coordinator) ChangeUserStyle(ctx context.Context, caller Caller, beatmapID *int64, rulesetID *int) error {
	return c.withRoom(ctx, caller, func(ctx context.Context, room *Room, user *RoomUser) error {
		item, ok := room.CurrentItem()
		if !ok || !item.Freestyle {
			return apperrors.InvalidState("current playlist item does not allow freestyle")
		}

		itemBeatmap, err := c.store.GetBeatmap(ctx, item.BeatmapID)
		if err != nil {
			return fmt.Errorf("get beatmap: %w", err)
		}

		effective := itemBeatmap
		if beatmapID != nil {
			beatmap, err := c.store.GetBeatmap(ctx, *beatmapID)
			if err != nil {
				if apperrors.IsNotFound(err) {
					return apperrors.InvalidState(fmt.Sprintf("beatmap %d does not exist", *beatmapID))
				}
				return fmt.Errorf("get beatmap: %w", err)
			}
			if beatmap.BeatmapsetID != itemBeatmap.BeatmapsetID {
				return apperrors.InvalidState("beatmap must belong to the current item's beatmap set")
			}
			effective = beatmap
		}

		if rulesetID != nil {
			if !validRuleset(*rulesetID) {
				return apperrors.InvalidState(fmt.Sprintf("invalid ruleset %d", *rulesetID))
			}
			if !convertible(effective, *rulesetID) {
				return apperrors.InvalidState(fmt.Sprintf("beatmap %d cannot be played in ruleset %d", effective.ID, *rulesetID))
			}
		}

		user.BeatmapID = copyPtr(beatmapID)
		user.RulesetID = copyPtr(rulesetID)
		c.broadcastUserStyle(ctx, room, user)
		return nil
	})
}

// reconcileUserStyles 目前項目改變後重新檢查每個成員的個人風格
//
//   - 項目不是 freestyle：全部清除
//   - 譜面不在新項目的譜面集：清除譜面
//   - ruleset 無法從實際遊玩的譜面轉換：清除 ruleset
func (c *Coordinator) reconcileUserStyles(ctx context.Context, room *Room, item *database.PlaylistItem) {
	var itemBeatmap *database.Beatmap
	if item.Freestyle {
		beatmap, err := c.store.GetBeatmap(ctx, item.BeatmapID)
		if err != nil {
			c.logger.WarnContext(ctx, "failed to load beatmap, clearing user styles",
				"beatmap_id", item.BeatmapID,
				"error", err)
		} else {
			itemBeatmap = beatmap
		}
	}

	for _, user := range room.Users {
		if !user.hasStyle() {
			continue
		}

		if itemBeatmap == nil {
			user.BeatmapID = nil
			user.RulesetID = nil
			c.broadcastUserStyle(ctx, room, user)
			continue
		}

		beatmapID, rulesetID := user.BeatmapID, user.RulesetID
		effective := itemBeatmap

		if beatmapID != nil {
			beatmap, err := c.store.GetBeatmap(ctx, *beatmapID)
			if err != nil || beatmap.BeatmapsetID != itemBeatmap.BeatmapsetID {
				beatmapID = nil
			} else {
				effective = beatmap
			}
		}
		if rulesetID != nil && !convertible(effective, *rulesetID) {
			rulesetID = nil
		}

		if beatmapID == user.BeatmapID && rulesetID == user.RulesetID {
			continue
		}
		user.BeatmapID = beatmapID
		user.RulesetID = rulesetID
		c.broadcastUserStyle(ctx, room, user)
	}
}

func (c *Coordinator) broadcastUserStyle(ctx context.Context, room *Room, user *RoomUser) {
	c.broadcast(ctx, room, event(notify.EventUserStyleChanged, UserStyleChangedData{
		UserID:    user.UserID,
		BeatmapID: copyPtr(user.BeatmapID),
		RulesetID: copyPtr(user.RulesetID),
	}))
}

func copyPtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
