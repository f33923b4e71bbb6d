package hub_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/connection"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/hub"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/metadata"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/multiplayer"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/notify"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/testutils"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/version"
	apperrors "github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestServeWS_Handshake 測試升級前的檢查
func TestServeWS_Handshake(t *testing.T) {
	tests := []struct {
		name           string
		service        connection.ServiceType
		header         func() http.Header
		expectedStatus int
	}{
		{
			name:           "unknown service",
			service:        "spectator",
			header:         func() http.Header { return identity(1, "token-1") },
			expectedStatus: http.StatusNotFound,
		},
		{
			name:    "missing user id",
			service: connection.ServiceMultiplayer,
			header: func() http.Header {
				header := identity(1, "token-1")
				header.Del(hub.UserIDHeader)
				return header
			},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:    "invalid user id",
			service: connection.ServiceMultiplayer,
			header: func() http.Header {
				header := identity(1, "token-1")
				header.Set(hub.UserIDHeader, "abc")
				return header
			},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:    "missing token id",
			service: connection.ServiceMetadata,
			header: func() http.Header {
				header := identity(1, "token-1")
				header.Del(hub.TokenIDHeader)
				return header
			},
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, false)

			_, resp, err := websocket.DefaultDialer.Dial(s.wsURL(tt.service), tt.header())
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)
			assert.Equal(t, 0, s.registry.Len())
		})
	}
}

// TestServeWS_VersionCheck 測試版本被拒時要求斷線且不登記
func TestServeWS_VersionCheck(t *testing.T) {
	tests := []struct {
		name     string
		hash     string
		validate func(t *testing.T, s *testServer, client *testClient)
	}{
		{
			name: "allowed build",
			hash: allowedHash,
			validate: func(t *testing.T, s *testServer, client *testClient) {
				result := client.invoke("JoinRoom", map[string]any{"room_id": s.roomID})
				assert.Empty(t, result.errorCode())
				assert.Equal(t, 1, s.registry.Len())
			},
		},
		{
			name: "unknown build",
			hash: "ffffffffffffffffffffffffffffffff",
			validate: func(t *testing.T, s *testServer, client *testClient) {
				f := client.read()
				assert.Equal(t, notify.EventDisconnectRequested, f.Event)
				assert.Equal(t, websocket.ClosePolicyViolation, client.expectClosed())
				assert.Equal(t, 0, s.registry.Len())
			},
		},
		{
			name: "missing hash",
			validate: func(t *testing.T, s *testServer, client *testClient) {
				f := client.read()
				assert.Equal(t, notify.EventDisconnectRequested, f.Event)
				assert.Equal(t, 0, s.registry.Len())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, true)

			header := identity(1, "token-1")
			header.Set(version.HashHeader, tt.hash)

			ws, resp, err := websocket.DefaultDialer.Dial(s.wsURL(connection.ServiceMultiplayer), header)
			require.NoError(t, err)
			require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
			defer ws.Close()

			tt.validate(t, s, &testClient{t: t, ws: ws})
		})
	}
}

// TestInvoke_Errors 測試呼叫失敗時的錯誤碼
func TestInvoke_Errors(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		args     any
		wantCode string
	}{
		{
			name:     "unknown method",
			method:   "DropTables",
			wantCode: apperrors.ErrCodeInvalidInput,
		},
		{
			name:     "malformed arguments",
			method:   "JoinRoom",
			args:     map[string]any{"room_id": "abc"},
			wantCode: apperrors.ErrCodeInvalidInput,
		},
		{
			name:     "unknown room",
			method:   "JoinRoom",
			args:     map[string]any{"room_id": 999},
			wantCode: apperrors.ErrCodeNotFound,
		},
		{
			name:     "not joined",
			method:   "LeaveRoom",
			wantCode: apperrors.ErrCodeNotJoined,
		},
		{
			name:     "reserved state",
			method:   "ChangeState",
			args:     map[string]any{"state": multiplayer.UserPlaying},
			wantCode: apperrors.ErrCodeInvalidStateChange,
		},
		{
			name:     "empty refresh token",
			method:   hub.MethodSendTokenRefresh,
			args:     map[string]any{"token": ""},
			wantCode: apperrors.ErrCodeInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, false)
			client := s.dial(t, connection.ServiceMultiplayer, 1)

			result := client.invoke(tt.method, tt.args)
			require.NotNil(t, result.Error)
			assert.Equal(t, tt.wantCode, result.Error.Code)
			assert.NotEmpty(t, result.Error.Message)
			assert.Nil(t, result.Result)
		})
	}
}

// TestInvoke_MalformedFrame 測試無法解析的訊框
func TestInvoke_MalformedFrame(t *testing.T) {
	s := newTestServer(t, false)
	client := s.dial(t, connection.ServiceMultiplayer, 1)

	require.NoError(t, client.ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	f := client.read()
	assert.Equal(t, apperrors.ErrCodeInvalidInput, f.errorCode())

	// 連線仍然可用
	result := client.invoke("JoinRoom", map[string]any{"room_id": s.roomID})
	assert.Empty(t, result.errorCode())
}

// TestRoomFlow 測試兩個使用者在同一個房間的呼叫與推播
func TestRoomFlow(t *testing.T) {
	s := newTestServer(t, false)
	host := s.dial(t, connection.ServiceMultiplayer, 1)
	guest := s.dial(t, connection.ServiceMultiplayer, 2)

	result := host.invoke("JoinRoom", map[string]any{"room_id": s.roomID})
	require.Empty(t, result.errorCode())

	room := decode[multiplayer.Room](t, result.Result)
	assert.Equal(t, s.roomID, room.ID)
	assert.Equal(t, int64(1), room.HostID)
	require.Len(t, room.Users, 1)

	result = guest.invoke("JoinRoom", map[string]any{"room_id": s.roomID})
	require.Empty(t, result.errorCode())

	joined := decode[multiplayer.RoomUser](t, host.waitEvent(notify.EventUserJoined).Data)
	assert.Equal(t, int64(2), joined.UserID)
	assert.Equal(t, multiplayer.UserIdle, joined.State)

	result = guest.invoke("ChangeState", map[string]any{"state": multiplayer.UserReady})
	require.Empty(t, result.errorCode())

	changed := decode[multiplayer.UserStateChangedData](t, host.waitEvent(notify.EventUserStateChanged).Data)
	assert.Equal(t, int64(2), changed.UserID)
	assert.Equal(t, multiplayer.UserReady, changed.State)

	// 非房主不能轉移房主
	result = guest.invoke("TransferHost", map[string]any{"user_id": 2})
	assert.Equal(t, apperrors.ErrCodePermissionDenied, result.errorCode())

	result = host.invoke("TransferHost", map[string]any{"user_id": 2})
	require.Empty(t, result.errorCode())

	hostChanged := decode[multiplayer.UserIDData](t, guest.waitEvent(notify.EventHostChanged).Data)
	assert.Equal(t, int64(2), hostChanged.UserID)

	result = host.invoke("LeaveRoom", nil)
	require.Empty(t, result.errorCode())

	left := decode[multiplayer.UserIDData](t, guest.waitEvent(notify.EventUserLeft).Data)
	assert.Equal(t, int64(1), left.UserID)

	assert.ElementsMatch(t, []int64{2}, s.hub.Members(connection.ServiceMultiplayer, notify.RoomGroup(s.roomID)))
}

// TestTakeover_NewToken 測試新客戶端實例搶佔時舊連線在所有服務上都被要求斷線
func TestTakeover_NewToken(t *testing.T) {
	s := newTestServer(t, false)

	oldMultiplayer := s.dial(t, connection.ServiceMultiplayer, 1, "token-a")
	oldMetadata := s.dial(t, connection.ServiceMetadata, 1, "token-a")

	result := oldMultiplayer.invoke("JoinRoom", map[string]any{"room_id": s.roomID})
	require.Empty(t, result.errorCode())

	fresh := s.dial(t, connection.ServiceMultiplayer, 1, "token-b")

	for _, old := range []*testClient{oldMultiplayer, oldMetadata} {
		f := old.waitEvent(notify.EventDisconnectRequested)
		assert.Equal(t, notify.EventDisconnectRequested, f.Event)
		assert.Equal(t, websocket.ClosePolicyViolation, old.expectClosed())
	}

	// 舊狀態已清除，新連線可以重新加入
	result = fresh.invoke("JoinRoom", map[string]any{"room_id": s.roomID})
	require.Empty(t, result.errorCode())

	state, err := s.registry.Lookup(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, state.Connections, 1)
	assert.Contains(t, state.TokenIDs, "token-b")
	assert.NotContains(t, state.TokenIDs, "token-a")
}

// TestTakeover_SameToken 測試同一個客戶端重連不會要求斷線，舊連線的呼叫失效
func TestTakeover_SameToken(t *testing.T) {
	s := newTestServer(t, false)

	first := s.dial(t, connection.ServiceMultiplayer, 1)
	result := first.invoke("JoinRoom", map[string]any{"room_id": s.roomID})
	require.Empty(t, result.errorCode())

	second := s.dial(t, connection.ServiceMultiplayer, 1)

	// 房間狀態綁到新連線
	result = second.invoke("ChangeState", map[string]any{"state": multiplayer.UserReady})
	assert.Empty(t, result.errorCode())

	result = first.invoke("LeaveRoom", nil)
	assert.Equal(t, apperrors.ErrCodeConnectionInvalid, result.errorCode())

	for _, f := range first.events {
		assert.NotEqual(t, notify.EventDisconnectRequested, f.Event)
	}
	assert.Equal(t, 1, s.coordinator.Stats().Users)
}

// TestSendTokenRefresh 測試刷新後的 token 被視為同一個客戶端
func TestSendTokenRefresh(t *testing.T) {
	s := newTestServer(t, false)

	multiplayerClient := s.dial(t, connection.ServiceMultiplayer, 1, "token-a")
	result := multiplayerClient.invoke(hub.MethodSendTokenRefresh, map[string]any{"token": "token-b"})
	require.Empty(t, result.errorCode())

	metadataClient := s.dial(t, connection.ServiceMetadata, 1, "token-b")
	require.Empty(t, metadataClient.invoke("EndWatchingUserPresence", nil).errorCode())

	// 沒有被要求斷線，登記仍然有效
	result = multiplayerClient.invoke("LeaveRoom", nil)
	assert.Equal(t, apperrors.ErrCodeNotJoined, result.errorCode())

	for _, f := range multiplayerClient.events {
		assert.NotEqual(t, notify.EventDisconnectRequested, f.Event)
	}

	state, err := s.registry.Lookup(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, state.Connections, 2)
}

// TestDisconnect 測試斷線流程
func TestDisconnect(t *testing.T) {
	tests := []struct {
		name       string
		clean      bool
		registered int
	}{
		{name: "clean close removes registration", clean: true, registered: 0},
		{name: "abnormal close keeps registration", clean: false, registered: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, false)
			client := s.dial(t, connection.ServiceMultiplayer, 1)

			result := client.invoke("JoinRoom", map[string]any{"room_id": s.roomID})
			require.Empty(t, result.errorCode())

			if tt.clean {
				client.closeCleanly()
			} else {
				require.NoError(t, client.ws.Close())
			}

			testutils.WaitForCondition(t, func() bool {
				return s.hub.Stats().Connections == 0 && s.coordinator.Stats().Users == 0
			}, 2*time.Second, "disconnect cleanup")

			assert.Equal(t, tt.registered, s.registry.Len())

			// 同一個 token 重連不受影響
			reconnected := s.dial(t, connection.ServiceMultiplayer, 1)
			result = reconnected.invoke("JoinRoom", map[string]any{"room_id": s.roomID})
			assert.Empty(t, result.errorCode())
		})
	}
}

// TestGameplayGroupResolvesCurrentConnection 測試群組推播送到使用者目前的連線
func TestGameplayGroupResolvesCurrentConnection(t *testing.T) {
	s := newTestServer(t, false)
	host := s.dial(t, connection.ServiceMultiplayer, 1)
	guest := s.dial(t, connection.ServiceMultiplayer, 2)

	require.Empty(t, host.invoke("JoinRoom", map[string]any{"room_id": s.roomID}).errorCode())
	require.Empty(t, guest.invoke("JoinRoom", map[string]any{"room_id": s.roomID}).errorCode())
	require.Empty(t, host.invoke("ChangeState", map[string]any{"state": multiplayer.UserReady}).errorCode())

	// 房主以同一個 token 換了一條連線
	reconnected := s.dial(t, connection.ServiceMultiplayer, 1)

	require.Empty(t, reconnected.invoke("StartMatch", nil).errorCode())
	reconnected.waitEvent(notify.EventLoadRequested)

	assert.ElementsMatch(t, []int64{1}, s.hub.Members(connection.ServiceMultiplayer, notify.GameplayGroup(s.roomID)))
}

// TestMetadataPresence 測試線上狀態經由 websocket 推播
func TestMetadataPresence(t *testing.T) {
	s := newTestServer(t, false)
	watcher := s.dial(t, connection.ServiceMetadata, 2)
	user := s.dial(t, connection.ServiceMetadata, 1)

	result := watcher.invoke("BeginWatchingUserPresence", nil)
	require.Empty(t, result.errorCode())
	assert.Empty(t, decode[[]metadata.UserPresence](t, result.Result))

	result = user.invoke("UpdateStatus", map[string]any{"status": metadata.StatusOnline})
	require.Empty(t, result.errorCode())

	presence := decode[metadata.UserPresence](t, watcher.waitEvent(notify.EventUserPresenceUpdated).Data)
	assert.Equal(t, int64(1), presence.UserID)
	require.NotNil(t, presence.Presence)
	assert.Equal(t, metadata.StatusOnline, presence.Presence.Status)

	result = user.invoke("UpdateStatus", map[string]any{"status": "away"})
	assert.Equal(t, apperrors.ErrCodeInvalidInput, result.errorCode())

	user.closeCleanly()
	offline := decode[metadata.UserPresence](t, watcher.waitEvent(notify.EventUserPresenceUpdated).Data)
	assert.Equal(t, int64(1), offline.UserID)
	assert.Nil(t, offline.Presence)

	result = watcher.invoke("GetBeatmapOfTheDay", nil)
	require.Empty(t, result.errorCode())
	assert.Equal(t, metadata.Snapshot{}, decode[metadata.Snapshot](t, result.Result))
}

// TestStop 測試關閉 Hub 時所有連線收到 1001
func TestStop(t *testing.T) {
	s := newTestServer(t, false)
	client := s.dial(t, connection.ServiceMultiplayer, 1)
	require.Empty(t, client.invoke("JoinRoom", map[string]any{"room_id": s.roomID}).errorCode())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.hub.Stop(ctx))

	assert.Equal(t, websocket.CloseGoingAway, client.expectClosed())
	assert.Equal(t, 0, s.hub.Stats().Connections)
	assert.Equal(t, 0, s.coordinator.Stats().Users)

	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL(connection.ServiceMultiplayer), identity(2, "token-2"))
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
