package multiplayer_test

import (
	"context"
	"testing"

	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/database"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/multiplayer"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/notify"
	apperrors "github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newItem() database.PlaylistItem {
	return database.PlaylistItem{
		BeatmapID:       beatmapID,
		BeatmapChecksum: beatmapChecksum,
	}
}

// TestAddPlaylistItem 測試新增項目的驗證
func TestAddPlaylistItem(t *testing.T) {
	tests := []struct {
		name     string
		caller   int64
		item     func() database.PlaylistItem
		validate func(t *testing.T, env *testEnv, added *database.PlaylistItem, err error)
	}{
		{
			name:   "host adds item",
			caller: 1,
			item:   newItem,
			validate: func(t *testing.T, env *testEnv, added *database.PlaylistItem, err error) {
				require.NoError(t, err)
				assert.NotZero(t, added.ID)
				assert.Equal(t, int64(1), added.OwnerID)
				assert.Equal(t, env.roomID, added.RoomID)
				assert.Equal(t, int64(1), added.BeatmapsetID)

				room := env.room(t)
				require.Len(t, room.Playlist, 2)
				// 目前項目不變
				assert.Equal(t, env.itemID, room.Settings.PlaylistItemID)
				assert.Equal(t, 1, env.notifier.Count(notify.EventPlaylistItemAdded))
				assert.Equal(t, 0, env.notifier.Count(notify.EventSettingsChanged))

				items, err := env.store.GetPlaylistItems(context.Background(), env.roomID)
				require.NoError(t, err)
				assert.Len(t, items, 2)
			},
		},
		{
			name:   "non host in host only queue",
			caller: 2,
			item:   newItem,
			validate: func(t *testing.T, env *testEnv, added *database.PlaylistItem, err error) {
				assert.True(t, apperrors.IsPermissionDenied(err))
				assert.Nil(t, added)
				assert.Len(t, env.room(t).Playlist, 1)
			},
		},
		{
			name:   "unknown beatmap",
			caller: 1,
			item: func() database.PlaylistItem {
				item := newItem()
				item.BeatmapID = 4321
				return item
			},
			validate: func(t *testing.T, env *testEnv, added *database.PlaylistItem, err error) {
				assert.True(t, apperrors.IsInvalidState(err))
			},
		},
		{
			name:   "checksum mismatch",
			caller: 1,
			item: func() database.PlaylistItem {
				item := newItem()
				item.BeatmapChecksum = "stale"
				return item
			},
			validate: func(t *testing.T, env *testEnv, added *database.PlaylistItem, err error) {
				assert.True(t, apperrors.IsInvalidState(err))
			},
		},
		{
			name:   "invalid ruleset",
			caller: 1,
			item: func() database.PlaylistItem {
				item := newItem()
				item.RulesetID = 4
				return item
			},
			validate: func(t *testing.T, env *testEnv, added *database.PlaylistItem, err error) {
				assert.True(t, apperrors.IsInvalidState(err))
			},
		},
		{
			name:   "freestyle with mods",
			caller: 1,
			item: func() database.PlaylistItem {
				item := newItem()
				item.Freestyle = true
				item.RequiredMods = []string{"HD"}
				return item
			},
			validate: func(t *testing.T, env *testEnv, added *database.PlaylistItem, err error) {
				assert.True(t, apperrors.IsInvalidState(err))
				assert.Empty(t, env.notifier.Sent())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.join(t, 1, 2)
			env.notifier.Reset()

			added, err := env.coordinator.AddPlaylistItem(context.Background(), caller(tt.caller), tt.item())
			tt.validate(t, env, added, err)
		})
	}
}

// TestAddPlaylistItem_BecomesCurrentWhenQueueExhausted 測試清單播完後新增的項目成為目前項目
func TestAddPlaylistItem_BecomesCurrentWhenQueueExhausted(t *testing.T) {
	env := newTestEnvWithRoom(t, database.Room{
		Name:      "queue",
		HostID:    1,
		Type:      string(multiplayer.MatchHeadToHead),
		QueueMode: string(multiplayer.QueueAllPlayers),
	})
	ctx := context.Background()

	env.join(t, 1)
	env.ready(t, 1)
	require.NoError(t, env.coordinator.StartMatch(ctx, caller(1)))
	require.NoError(t, env.coordinator.ChangeState(ctx, caller(1), multiplayer.UserLoaded))
	require.NoError(t, env.coordinator.ChangeState(ctx, caller(1), multiplayer.UserFinishedPlay))

	// 所有人模式不會自動複製
	room := env.room(t)
	require.Len(t, room.Playlist, 1)
	current, ok := room.CurrentItem()
	require.True(t, ok)
	assert.True(t, current.Expired)

	added, err := env.coordinator.AddPlaylistItem(ctx, caller(1), newItem())
	require.NoError(t, err)
	assert.Equal(t, added.ID, env.room(t).Settings.PlaylistItemID)
}

// TestEditPlaylistItem 測試修改項目
func TestEditPlaylistItem(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.store.AddBeatmap(database.Beatmap{ID: 5555, BeatmapsetID: 3, Checksum: "other", PlayMode: 2})

	env.join(t, 1, 2)
	env.notifier.Reset()

	edit := database.PlaylistItem{ID: env.itemID, BeatmapID: 5555, BeatmapChecksum: "other", RulesetID: 2}

	err := env.coordinator.EditPlaylistItem(ctx, caller(2), edit)
	assert.True(t, apperrors.IsPermissionDenied(err))

	missing := edit
	missing.ID = 42
	err = env.coordinator.EditPlaylistItem(ctx, caller(1), missing)
	assert.True(t, apperrors.IsNotFound(err))

	require.NoError(t, env.coordinator.EditPlaylistItem(ctx, caller(1), edit))

	room := env.room(t)
	assert.Equal(t, int64(5555), room.Settings.BeatmapID)
	assert.Equal(t, "other", room.Settings.BeatmapChecksum)
	assert.Equal(t, 2, room.Settings.RulesetID)
	assert.Equal(t, 1, env.notifier.Count(notify.EventPlaylistItemChanged))
	assert.Equal(t, 1, env.notifier.Count(notify.EventSettingsChanged))

	items, err := env.store.GetPlaylistItems(ctx, env.roomID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(5555), items[0].BeatmapID)
	assert.Equal(t, int64(3), items[0].BeatmapsetID)
}

// TestPlaylist_AllPlayersOwnership 測試所有人模式只能改自己加的項目
func TestPlaylist_AllPlayersOwnership(t *testing.T) {
	env := newTestEnvWithRoom(t, database.Room{
		Name:      "queue",
		HostID:    1,
		Type:      string(multiplayer.MatchHeadToHead),
		QueueMode: string(multiplayer.QueueAllPlayers),
	})
	ctx := context.Background()

	env.join(t, 1, 2, 3)

	added, err := env.coordinator.AddPlaylistItem(ctx, caller(2), newItem())
	require.NoError(t, err)

	edit := added.Clone()
	edit.RulesetID = 3

	err = env.coordinator.EditPlaylistItem(ctx, caller(3), edit)
	assert.True(t, apperrors.IsPermissionDenied(err))

	// 房主也不能改別人的項目
	err = env.coordinator.RemovePlaylistItem(ctx, caller(1), added.ID)
	assert.True(t, apperrors.IsPermissionDenied(err))

	require.NoError(t, env.coordinator.EditPlaylistItem(ctx, caller(2), edit))
	item, ok := env.room(t).Item(added.ID)
	require.True(t, ok)
	assert.Equal(t, 3, item.RulesetID)

	require.NoError(t, env.coordinator.RemovePlaylistItem(ctx, caller(2), added.ID))
	_, ok = env.room(t).Item(added.ID)
	assert.False(t, ok)

	removed := env.notifier.Events(notify.EventPlaylistItemRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, multiplayer.PlaylistItemRemovedData{PlaylistItemID: added.ID}, removed[0].Event.Data)
}

// TestRemovePlaylistItem_Restrictions 測試不能移除目前項目或已播放項目
func TestRemovePlaylistItem_Restrictions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.join(t, 1)

	err := env.coordinator.RemovePlaylistItem(ctx, caller(1), env.itemID)
	assert.True(t, apperrors.IsInvalidState(err))

	env.ready(t, 1)
	require.NoError(t, env.coordinator.StartMatch(ctx, caller(1)))
	require.NoError(t, env.coordinator.ChangeState(ctx, caller(1), multiplayer.UserLoaded))
	require.NoError(t, env.coordinator.ChangeState(ctx, caller(1), multiplayer.UserFinishedPlay))

	err = env.coordinator.RemovePlaylistItem(ctx, caller(1), env.itemID)
	assert.True(t, apperrors.IsInvalidState(err))

	played, ok := env.room(t).Item(env.itemID)
	require.True(t, ok)
	edit := played.Clone()
	err = env.coordinator.EditPlaylistItem(ctx, caller(1), edit)
	assert.True(t, apperrors.IsInvalidState(err))
}
