package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/database"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/multiplayer"
	apperrors "github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/errors"
)

// RoomSource 查詢使用中的房間
type RoomSource interface {
	Rooms(ctx context.Context) ([]*multiplayer.Room, error)
	Room(ctx context.Context, roomID int64) (*multiplayer.Room, error)
	Stats() multiplayer.Stats
}

// PresenceCounter 目前有 metadata 連線的使用者數
type PresenceCounter interface {
	Online() int
}

// EventHistory 讀取房間事件的副本
type EventHistory interface {
	Load(ctx context.Context, roomID int64) ([]database.RoomEvent, error)
}

// historyTimeout 讀取事件副本的上限，沒有事件的房間會等滿這段時間
const historyTimeout = 500 * time.Millisecond

// Handler HTTP 請求處理器
type Handler struct {
	hub      *Hub
	rooms    RoomSource
	presence PresenceCounter
	history  EventHistory
	logger   *slog.Logger
}

// NewHandler 創建 HTTP 處理器，history 為 nil 時事件端點回傳 503
func NewHandler(hub *Hub, rooms RoomSource, presence PresenceCounter, history EventHistory, logger *slog.Logger) *Handler {
	return &Handler{
		hub:      hub,
		rooms:    rooms,
		presence: presence,
		history:  history,
		logger:   logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	// websocket 升級後連線會一直存在，不經過日誌中間件
	mux.HandleFunc("GET /ws/{service}", h.recoverer(h.hub.ServeWS))

	mux.HandleFunc("GET /api/v1/rooms", wrap(h.listRooms))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}", wrap(h.getRoom))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}/events", wrap(h.roomEvents))

	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

// roomSummary 房間列表項目，不含密碼
type roomSummary struct {
	RoomID      int64                 `json:"room_id"`
	Name        string                `json:"name"`
	HostID      int64                 `json:"host_id"`
	State       multiplayer.RoomState `json:"state"`
	MatchType   multiplayer.MatchType `json:"match_type"`
	QueueMode   multiplayer.QueueMode `json:"queue_mode"`
	HasPassword bool                  `json:"has_password"`
	BeatmapID   int64                 `json:"beatmap_id"`
	RulesetID   int                   `json:"ruleset_id"`
	Users       int                   `json:"users"`
}

func summarize(room *multiplayer.Room) roomSummary {
	return roomSummary{
		RoomID:      room.ID,
		Name:        room.Settings.Name,
		HostID:      room.HostID,
		State:       room.State,
		MatchType:   room.Settings.MatchType,
		QueueMode:   room.Settings.QueueMode,
		HasPassword: room.Settings.Password != "",
		BeatmapID:   room.Settings.BeatmapID,
		RulesetID:   room.Settings.RulesetID,
		Users:       len(room.Users),
	}
}

// listRooms 列出使用中的房間
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.rooms.Rooms(r.Context())
	if err != nil {
		h.appErrorResponse(w, r, err)
		return
	}

	summaries := make([]roomSummary, 0, len(rooms))
	for _, room := range rooms {
		summaries = append(summaries, summarize(room))
	}

	h.jsonResponse(w, map[string]any{
		"rooms": summaries,
		"total": len(summaries),
	}, http.StatusOK)
}

// getRoom 房間詳情，密碼不回傳
func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	roomID, err := strconv.ParseInt(r.PathValue("room_id"), 10, 64)
	if err != nil {
		h.errorResponse(w, "invalid room id", http.StatusBadRequest)
		return
	}

	room, err := h.rooms.Room(r.Context(), roomID)
	if err != nil {
		h.appErrorResponse(w, r, err)
		return
	}

	room.Settings.Password = ""
	h.jsonResponse(w, room, http.StatusOK)
}

// roomEvents 列出房間的事件，包含已解散的房間
func (h *Handler) roomEvents(w http.ResponseWriter, r *http.Request) {
	roomID, err := strconv.ParseInt(r.PathValue("room_id"), 10, 64)
	if err != nil {
		h.errorResponse(w, "invalid room id", http.StatusBadRequest)
		return
	}

	if h.history == nil {
		h.errorResponse(w, "event history disabled", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), historyTimeout)
	defer cancel()

	events, err := h.history.Load(ctx, roomID)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to load room events", "room_id", roomID, "error", err)
		h.errorResponse(w, "failed to load room events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []database.RoomEvent{}
	}

	h.jsonResponse(w, map[string]any{
		"room_id": roomID,
		"events":  events,
		"total":   len(events),
	}, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"multiplayer": h.rooms.Stats(),
		"hub":         h.hub.Stats(),
		"registered":  h.hub.registry.Len(),
	}
	if h.presence != nil {
		stats["metadata_online"] = h.presence.Online()
	}
	h.jsonResponse(w, stats, http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// appErrorResponse 依錯誤碼決定 HTTP 狀態
func (h *Handler) appErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	frame := toFrameError(err)
	if frame.Code == apperrors.ErrCodeInternal {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}

	h.jsonResponse(w, map[string]any{
		"error": frame.Message,
		"code":  frame.Code,
	}, httpStatus(frame.Code))
}

func httpStatus(code string) int {
	switch code {
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.ErrCodePermissionDenied:
		return http.StatusForbidden
	case apperrors.ErrCodeVersionRejected, apperrors.ErrCodeConnectionInvalid:
		return http.StatusUnauthorized
	case apperrors.ErrCodeAlreadyJoined, apperrors.ErrCodeNotJoined,
		apperrors.ErrCodeInvalidState, apperrors.ErrCodeInvalidStateChange:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("panic while handling request",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "internal server error", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
