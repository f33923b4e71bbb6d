package multiplayer_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/database"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/multiplayer"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/notify"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/snowflake"
	"github.com/stretchr/testify/require"
)

const (
	beatmapID       = int64(1234)
	beatmapChecksum = "checksum"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testEnv 一個房間、一個播放項目的測試環境
type testEnv struct {
	store       *database.Memory
	notifier    *notify.Recorder
	coordinator *multiplayer.Coordinator
	roomID      int64
	itemID      int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithRoom(t, database.Room{
		Name:      "test room",
		HostID:    1,
		Type:      string(multiplayer.MatchHeadToHead),
		QueueMode: string(multiplayer.QueueHostOnly),
	})
}

func newTestEnvWithRoom(t *testing.T, room database.Room) *testEnv {
	t.Helper()

	store := database.NewMemory()
	store.AddBeatmap(database.Beatmap{ID: beatmapID, BeatmapsetID: 1, Checksum: beatmapChecksum})

	roomID := store.AddRoom(room)
	itemID := store.SeedPlaylistItem(database.PlaylistItem{
		RoomID:          roomID,
		OwnerID:         room.HostID,
		BeatmapID:       beatmapID,
		BeatmapsetID:    1,
		BeatmapChecksum: beatmapChecksum,
	})

	ids, err := snowflake.New(1)
	require.NoError(t, err)

	notifier := notify.NewRecorder()
	eventLog := multiplayer.NewEventLogger(store, nil, testLogger())

	return &testEnv{
		store:       store,
		notifier:    notifier,
		coordinator: multiplayer.NewCoordinator(store, notifier, eventLog, ids, testLogger()),
		roomID:      roomID,
		itemID:      itemID,
	}
}

func caller(userID int64) multiplayer.Caller {
	return multiplayer.Caller{
		UserID:       userID,
		ConnectionID: fmt.Sprintf("conn-%d", userID),
		TokenID:      fmt.Sprintf("token-%d", userID),
	}
}

func (e *testEnv) join(t *testing.T, userIDs ...int64) {
	t.Helper()
	for _, id := range userIDs {
		_, err := e.coordinator.JoinRoom(context.Background(), caller(id), e.roomID)
		require.NoError(t, err)
	}
}

func (e *testEnv) ready(t *testing.T, userIDs ...int64) {
	t.Helper()
	for _, id := range userIDs {
		require.NoError(t, e.coordinator.ChangeState(context.Background(), caller(id), multiplayer.UserReady))
	}
}

func (e *testEnv) room(t *testing.T) *multiplayer.Room {
	t.Helper()
	room, err := e.coordinator.Room(context.Background(), e.roomID)
	require.NoError(t, err)
	return room
}

func (e *testEnv) user(t *testing.T, userID int64) *multiplayer.RoomUser {
	t.Helper()
	user, ok := e.room(t).User(userID)
	require.True(t, ok, "user %d not in room", userID)
	return user
}

func (e *testEnv) eventTypes() []database.EventType {
	var types []database.EventType
	for _, ev := range e.store.Events() {
		types = append(types, ev.Type)
	}
	return types
}

func ptr[T any](v T) *T {
	return &v
}
