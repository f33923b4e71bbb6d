package hub_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/cache"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/connection"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/database"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/hub"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/metadata"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/multiplayer"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/version"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/snowflake"
	"github.com/stretchr/testify/require"
)

const (
	beatmapID   = int64(1234)
	allowedHash = "0123456789abcdef0123456789abcdef"
	readTimeout = 2 * time.Second
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testServer 一個節點：記憶體 Store、連線登記、Hub 與兩個服務
type testServer struct {
	store       *database.Memory
	registry    *connection.Registry
	hub         *hub.Hub
	coordinator *multiplayer.Coordinator
	metadata    *metadata.Service
	server      *httptest.Server
	roomID      int64
}

// newTestServer checkVersion 為 false 時不檢查版本
func newTestServer(t *testing.T, checkVersion bool) *testServer {
	t.Helper()

	logger := testLogger()

	store := database.NewMemory()
	store.AddBeatmap(database.Beatmap{ID: beatmapID, BeatmapsetID: 1, Checksum: "checksum"})
	store.AddBuild(database.Build{Hash: allowedHash, Version: "2025.1010.0", Allowed: true})

	roomID := store.AddRoom(database.Room{
		Name:      "test room",
		Password:  "secret",
		HostID:    1,
		Type:      string(multiplayer.MatchHeadToHead),
		QueueMode: string(multiplayer.QueueHostOnly),
	})
	store.SeedPlaylistItem(database.PlaylistItem{
		RoomID:          roomID,
		OwnerID:         1,
		BeatmapID:       beatmapID,
		BeatmapsetID:    1,
		BeatmapChecksum: "checksum",
	})

	var checker hub.VersionChecker
	if checkVersion {
		checker = newVersionChecker(store)
	}

	registry := connection.NewRegistry(nil, logger)
	h := hub.New(hub.Config{InvocationTimeout: 5 * time.Second}, registry, checker, nil, logger)
	registry.SetDisconnector(h)

	ids, err := snowflake.New(1)
	require.NoError(t, err)

	coordinator := multiplayer.NewCoordinator(store, h.Notifier(connection.ServiceMultiplayer),
		multiplayer.NewEventLogger(store, nil, logger), ids, logger)
	meta := metadata.NewService(h.Notifier(connection.ServiceMetadata), nil, logger)

	h.Handle(connection.ServiceMultiplayer, hub.MultiplayerEndpoint(coordinator))
	h.Handle(connection.ServiceMetadata, hub.MetadataEndpoint(meta))

	server := httptest.NewServer(hub.NewHandler(h, coordinator, meta, storeHistory{store}, logger).Routes())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Stop(ctx)
		server.Close()
	})

	return &testServer{
		store:       store,
		registry:    registry,
		hub:         h,
		coordinator: coordinator,
		metadata:    meta,
		server:      server,
		roomID:      roomID,
	}
}

// storeHistory 以記憶體 Store 的事件紀錄代替 JetStream
type storeHistory struct {
	store *database.Memory
}

func (h storeHistory) Load(_ context.Context, roomID int64) ([]database.RoomEvent, error) {
	var result []database.RoomEvent
	for _, event := range h.store.Events() {
		if event.RoomID == roomID {
			result = append(result, event)
		}
	}
	return result, nil
}

func newVersionChecker(store *database.Memory) *version.Checker {
	return version.NewChecker(version.Config{Enabled: true, CacheTTL: time.Minute}, store, cache.NewLocal(16), testLogger())
}

func identity(userID int64, tokenID string) http.Header {
	header := http.Header{}
	header.Set(hub.UserIDHeader, strconv.FormatInt(userID, 10))
	header.Set(hub.TokenIDHeader, tokenID)
	header.Set(version.HashHeader, allowedHash)
	return header
}

func (s *testServer) wsURL(service connection.ServiceType) string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws/" + string(service)
}

// dial 以 user/token 連線，token 預設為 token-<user>
func (s *testServer) dial(t *testing.T, service connection.ServiceType, userID int64, tokenID ...string) *testClient {
	t.Helper()

	token := fmt.Sprintf("token-%d", userID)
	if len(tokenID) > 0 {
		token = tokenID[0]
	}

	ws, resp, err := websocket.DefaultDialer.Dial(s.wsURL(service), identity(userID, token))
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = ws.Close() })

	return &testClient{t: t, ws: ws}
}

// frame 伺服器送來的訊框：呼叫結果或推播
type frame struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (f frame) errorCode() string {
	if f.Error == nil {
		return ""
	}
	return f.Error.Code
}

// testClient 測試用客戶端，讀到的推播會先暫存
type testClient struct {
	t      *testing.T
	ws     *websocket.Conn
	nextID int
	events []frame
}

func (c *testClient) read() frame {
	c.t.Helper()

	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(readTimeout)))
	var f frame
	require.NoError(c.t, c.ws.ReadJSON(&f))
	return f
}

// invoke 送出呼叫並等待對應的結果
func (c *testClient) invoke(method string, args any) frame {
	c.t.Helper()

	c.nextID++
	id := strconv.Itoa(c.nextID)
	require.NoError(c.t, c.ws.WriteJSON(map[string]any{
		"id":     id,
		"method": method,
		"args":   args,
	}))

	for {
		f := c.read()
		if f.Event != "" {
			c.events = append(c.events, f)
			continue
		}
		if f.ID == id {
			return f
		}
	}
}

// waitEvent 等待某個推播，其他推播保留
func (c *testClient) waitEvent(name string) frame {
	c.t.Helper()

	for i, f := range c.events {
		if f.Event == name {
			c.events = append(c.events[:i], c.events[i+1:]...)
			return f
		}
	}

	for {
		f := c.read()
		if f.Event == name {
			return f
		}
		if f.Event != "" {
			c.events = append(c.events, f)
		}
	}
}

// expectClosed 讀到關閉訊框為止，回傳關閉碼
func (c *testClient) expectClosed() int {
	c.t.Helper()

	for {
		require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(readTimeout)))
		_, _, err := c.ws.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.True(c.t, errors.As(err, &closeErr), "expected close frame, got %v", err)
		return closeErr.Code
	}
}

// closeCleanly 送出 1000 關閉訊框
func (c *testClient) closeCleanly() {
	c.t.Helper()

	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.ws.Close()
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}
