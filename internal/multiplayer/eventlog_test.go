package multiplayer_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/database"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/multiplayer"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/notify"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePublisher 記錄發布的事件，可設定失敗
type fakePublisher struct {
	mu     sync.Mutex
	events []database.RoomEvent
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, event *database.RoomEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, *event)
	return nil
}

func (p *fakePublisher) published() []database.RoomEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]database.RoomEvent(nil), p.events...)
}

// TestEventLogger 測試事件寫入與鏡像
func TestEventLogger(t *testing.T) {
	tests := []struct {
		name       string
		storeErr   error
		publishErr error
		validate   func(t *testing.T, store *database.Memory, publisher *fakePublisher)
	}{
		{
			name: "store and publish",
			validate: func(t *testing.T, store *database.Memory, publisher *fakePublisher) {
				require.Len(t, store.Events(), 1)
				require.Len(t, publisher.published(), 1)

				event := publisher.published()[0]
				assert.Equal(t, database.EventPlayerJoined, event.Type)
				assert.Equal(t, int64(10), event.RoomID)
				require.NotNil(t, event.UserID)
				assert.Equal(t, int64(3), *event.UserID)
				assert.False(t, event.CreatedAt.IsZero())
			},
		},
		{
			name:     "store failure still publishes",
			storeErr: errors.New("disk full"),
			validate: func(t *testing.T, store *database.Memory, publisher *fakePublisher) {
				assert.Empty(t, store.Events())
				assert.Len(t, publisher.published(), 1)
			},
		},
		{
			name:       "publish failure keeps stored event",
			publishErr: errors.New("no responders"),
			validate: func(t *testing.T, store *database.Memory, publisher *fakePublisher) {
				assert.Len(t, store.Events(), 1)
				assert.Empty(t, publisher.published())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := database.NewMemory()
			store.SetFailure("LogRoomEvent", tt.storeErr)
			publisher := &fakePublisher{err: tt.publishErr}

			logger := multiplayer.NewEventLogger(store, publisher, testLogger())
			logger.PlayerJoined(context.Background(), 10, 3)

			tt.validate(t, store, publisher)
		})
	}
}

// TestEventLogger_GameStartedDetail 測試比賽開始事件帶有對戰模式資料
func TestEventLogger_GameStartedDetail(t *testing.T) {
	store := database.NewMemory()
	logger := multiplayer.NewEventLogger(store, nil, testLogger())

	logger.GameStarted(context.Background(), 10, 20, multiplayer.TeamVersusRoomState{
		Teams: []multiplayer.Team{{ID: multiplayer.TeamRed, Name: "Team Red"}},
	})
	logger.GameCompleted(context.Background(), 10, 20)

	events := store.Events()
	require.Len(t, events, 2)

	require.NotNil(t, events[0].PlaylistItemID)
	assert.Equal(t, int64(20), *events[0].PlaylistItemID)

	var detail multiplayer.TeamVersusRoomState
	require.NoError(t, json.Unmarshal(events[0].Detail, &detail))
	require.Len(t, detail.Teams, 1)
	assert.Equal(t, "Team Red", detail.Teams[0].Name)

	assert.Empty(t, events[1].Detail)
}

// TestEventLogFailureDoesNotBlockRoom 測試事件寫入失敗不影響房間操作
func TestEventLogFailureDoesNotBlockRoom(t *testing.T) {
	store := database.NewMemory()
	store.AddBeatmap(database.Beatmap{ID: beatmapID, BeatmapsetID: 1, Checksum: beatmapChecksum})
	roomID := store.AddRoom(database.Room{Name: "flaky", HostID: 1, Type: "head_to_head", QueueMode: "host_only"})
	store.SeedPlaylistItem(database.PlaylistItem{RoomID: roomID, BeatmapID: beatmapID, BeatmapChecksum: beatmapChecksum})
	store.SetFailure("LogRoomEvent", errors.New("table locked"))

	ids, err := snowflake.New(2)
	require.NoError(t, err)

	publisher := &fakePublisher{}
	coordinator := multiplayer.NewCoordinator(store, notify.NewRecorder(), multiplayer.NewEventLogger(store, publisher, testLogger()), ids, testLogger())

	ctx := context.Background()
	_, err = coordinator.JoinRoom(ctx, caller(1), roomID)
	require.NoError(t, err)
	require.NoError(t, coordinator.LeaveRoom(ctx, caller(1)))

	var types []database.EventType
	for _, ev := range publisher.published() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []database.EventType{
		database.EventRoomCreated,
		database.EventPlayerJoined,
		database.EventRoomDisbanded,
	}, types)
}
