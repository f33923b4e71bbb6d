package metadata

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/database"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/notify"
)

// DefaultPollInterval 每日譜面的預設輪詢間隔
const DefaultPollInterval = 300 * time.Second

// Snapshot 每日譜面，沒有進行中的每日挑戰時全部為 nil
type Snapshot struct {
	RoomID    *int64 `json:"room_id"`
	BeatmapID *int64 `json:"beatmap_id"`
	RulesetID *int   `json:"ruleset_id"`
}

// Equal 內容是否相同
func (s Snapshot) Equal(other Snapshot) bool {
	return equalPtr(s.RoomID, other.RoomID) &&
		equalPtr(s.BeatmapID, other.BeatmapID) &&
		equalPtr(s.RulesetID, other.RulesetID)
}

// LogValue 實現 slog.LogValuer，nil 欄位不輸出
func (s Snapshot) LogValue() slog.Value {
	var attrs []slog.Attr
	if s.RoomID != nil {
		attrs = append(attrs, slog.Int64("room_id", *s.RoomID))
	}
	if s.BeatmapID != nil {
		attrs = append(attrs, slog.Int64("beatmap_id", *s.BeatmapID))
	}
	if s.RulesetID != nil {
		attrs = append(attrs, slog.Int("ruleset_id", *s.RulesetID))
	}
	return slog.GroupValue(attrs...)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// BeatmapOfTheDaySource 查詢每日挑戰房間與其播放清單
type BeatmapOfTheDaySource interface {
	GetActiveBeatmapOfTheDayRooms(ctx context.Context) ([]database.Room, error)
	GetPlaylistItems(ctx context.Context, roomID int64) ([]database.PlaylistItem, error)
}

// Poller 定期查詢每日譜面，改變時推播給所有 metadata 連線
//
// 查詢失敗只記錄，下一輪再試。
type Poller struct {
	source   BeatmapOfTheDaySource
	notifier notify.Notifier
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	current Snapshot
}

// NewPoller 創建輪詢器，interval <= 0 時使用預設值
func NewPoller(source BeatmapOfTheDaySource, notifier notify.Notifier, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		source:   source,
		notifier: notifier,
		interval: interval,
		logger:   logger,
	}
}

// Current 目前的每日譜面
func (p *Poller) Current() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Run 立即查詢一次，之後每個 interval 查詢，直到 ctx 取消
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("beatmap of the day poller stopped")
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll 查詢一次，回傳是否有變化
func (p *Poller) Poll(ctx context.Context) bool {
	next, err := p.fetch(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to poll beatmap of the day", "error", err)
		return false
	}

	p.mu.Lock()
	changed := !p.current.Equal(next)
	if changed {
		p.current = next
	}
	p.mu.Unlock()

	if !changed {
		return false
	}

	p.logger.InfoContext(ctx, "beatmap of the day updated", "snapshot", next)

	p.notifier.SendGroup(ctx, ConnectionsGroup, notify.Event{
		Type: notify.EventBeatmapOfTheDayUpdated,
		Data: next,
	})
	return true
}

func (p *Poller) fetch(ctx context.Context) (Snapshot, error) {
	rooms, err := p.source.GetActiveBeatmapOfTheDayRooms(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if len(rooms) == 0 {
		return Snapshot{}, nil
	}
	if len(rooms) > 1 {
		p.logger.WarnContext(ctx, "more than one active beatmap of the day room, using the first",
			"rooms", len(rooms))
	}

	room := rooms[0]
	items, err := p.source.GetPlaylistItems(ctx, room.ID)
	if err != nil {
		return Snapshot{}, err
	}

	roomID := room.ID
	snapshot := Snapshot{RoomID: &roomID}
	if len(items) != 1 {
		p.logger.WarnContext(ctx, "beatmap of the day room should have exactly one playlist item",
			"room_id", room.ID,
			"items", len(items))
	}
	if len(items) > 0 {
		beatmapID := items[0].BeatmapID
		rulesetID := items[0].RulesetID
		snapshot.BeatmapID = &beatmapID
		snapshot.RulesetID = &rulesetID
	}
	return snapshot, nil
}
