package database_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/database"
	apperrors "github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemory_Rooms 測試房間讀寫
func TestMemory_Rooms(t *testing.T) {
	store := database.NewMemory()
	ctx := context.Background()

	roomID := store.AddRoom(database.Room{Name: "test room", Type: "head_to_head"})

	room, err := store.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, "test room", room.Name)
	assert.Equal(t, database.CategoryNormal, room.Category)
	assert.False(t, room.HasEnded())

	require.NoError(t, store.UpdateRoomHost(ctx, roomID, 5))
	require.NoError(t, store.UpdateRoomParticipants(ctx, roomID, []int64{5, 6}))

	room.Name = "renamed"
	room.AutoStartDuration = 30 * time.Second
	require.NoError(t, store.UpdateRoomSettings(ctx, room))

	room, err = store.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", room.Name)
	assert.Equal(t, int64(5), room.HostID)
	assert.Equal(t, 2, room.ParticipantCount)
	assert.Equal(t, 30*time.Second, room.AutoStartDuration)
	assert.Equal(t, []int64{5, 6}, store.Participants(roomID))

	require.NoError(t, store.UpdateRoomParticipants(ctx, roomID, nil))
	room, err = store.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Zero(t, room.ParticipantCount)
	assert.Empty(t, store.Participants(roomID))

	_, err = store.GetRoom(ctx, 999)
	assert.ErrorIs(t, err, database.ErrNotFound)
	assert.True(t, apperrors.IsNotFound(err))
}

// TestMemory_Playlist 測試播放清單
func TestMemory_Playlist(t *testing.T) {
	store := database.NewMemory()
	ctx := context.Background()
	roomID := store.AddRoom(database.Room{Name: "room"})

	first, err := store.AddPlaylistItem(ctx, &database.PlaylistItem{RoomID: roomID, BeatmapID: 1})
	require.NoError(t, err)
	second, err := store.AddPlaylistItem(ctx, &database.PlaylistItem{RoomID: roomID, BeatmapID: 2})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	items, err := store.GetPlaylistItems(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, first, items[0].ID)

	require.NoError(t, store.MarkPlaylistItemPlayed(ctx, roomID, first))
	items, err = store.GetPlaylistItems(ctx, roomID)
	require.NoError(t, err)
	assert.True(t, items[0].Expired)
	assert.NotNil(t, items[0].PlayedAt)

	items[1].RulesetID = 3
	require.NoError(t, store.UpdatePlaylistItem(ctx, &items[1]))

	require.NoError(t, store.RemovePlaylistItem(ctx, roomID, first))
	items, err = store.GetPlaylistItems(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 3, items[0].RulesetID)

	assert.ErrorIs(t, store.RemovePlaylistItem(ctx, roomID, first), database.ErrNotFound)
}

// TestMemory_ReturnedItemsAreCopies 測試回傳值不共用底層切片
func TestMemory_ReturnedItemsAreCopies(t *testing.T) {
	store := database.NewMemory()
	ctx := context.Background()
	roomID := store.AddRoom(database.Room{Name: "room"})
	store.SeedPlaylistItem(database.PlaylistItem{RoomID: roomID, RequiredMods: []string{"HD"}})

	items, err := store.GetPlaylistItems(ctx, roomID)
	require.NoError(t, err)
	items[0].RequiredMods[0] = "DT"

	items, err = store.GetPlaylistItems(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, []string{"HD"}, items[0].RequiredMods)
}

// TestMemory_SetFailure 測試注入失敗
func TestMemory_SetFailure(t *testing.T) {
	store := database.NewMemory()
	ctx := context.Background()
	roomID := store.AddRoom(database.Room{Name: "room"})

	boom := errors.New("boom")
	store.SetFailure("GetRoom", boom)

	_, err := store.GetRoom(ctx, roomID)
	assert.ErrorIs(t, err, boom)

	store.SetFailure("GetRoom", nil)
	_, err = store.GetRoom(ctx, roomID)
	assert.NoError(t, err)
}

// TestMemory_BeatmapOfTheDayRooms 測試每日挑戰房間過濾
func TestMemory_BeatmapOfTheDayRooms(t *testing.T) {
	store := database.NewMemory()
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	active := store.AddRoom(database.Room{ID: 10, Category: database.CategoryDailyChallenge, StartsAt: past, EndsAt: &future})
	store.AddRoom(database.Room{ID: 11, Category: database.CategoryDailyChallenge, StartsAt: past, EndsAt: &past})
	store.AddRoom(database.Room{ID: 12, Category: database.CategoryDailyChallenge, StartsAt: future})
	store.AddRoom(database.Room{ID: 13, Category: database.CategoryNormal, StartsAt: past})

	rooms, err := store.GetActiveBeatmapOfTheDayRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, active, rooms[0].ID)
}

// TestMemory_MiscLookups 測試譜面、版本與使用者限制
func TestMemory_MiscLookups(t *testing.T) {
	store := database.NewMemory()
	ctx := context.Background()

	store.AddBeatmap(database.Beatmap{ID: 1, BeatmapsetID: 100, Checksum: "abc", PlayMode: 2})
	store.AddBuild(database.Build{Hash: "hash", Allowed: true})
	store.SetUserRestricted(7, true)

	beatmap, err := store.GetBeatmap(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), beatmap.BeatmapsetID)
	assert.Equal(t, 2, beatmap.PlayMode)

	_, err = store.GetBeatmap(ctx, 2)
	assert.ErrorIs(t, err, database.ErrNotFound)

	build, err := store.GetBuildByHash(ctx, "hash")
	require.NoError(t, err)
	assert.True(t, build.Allowed)

	restricted, err := store.IsUserRestricted(ctx, 7)
	require.NoError(t, err)
	assert.True(t, restricted)

	restricted, err = store.IsUserRestricted(ctx, 8)
	require.NoError(t, err)
	assert.False(t, restricted)

	userID := int64(7)
	require.NoError(t, store.LogRoomEvent(ctx, &database.RoomEvent{
		RoomID: 1, Type: database.EventPlayerJoined, UserID: &userID,
	}))
	events := store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "player_joined", events[0].Type.String())
	assert.False(t, events[0].CreatedAt.IsZero())
}

// TestEventType_String 測試事件名稱
func TestEventType_String(t *testing.T) {
	assert.Equal(t, "player_left", database.EventPlayerLeft.String())
	assert.Equal(t, "game_completed", database.EventGameCompleted.String())
	assert.Equal(t, "unknown", database.EventType(0).String())
	assert.Equal(t, 1, int(database.EventPlayerLeft))
}
