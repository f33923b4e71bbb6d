package database

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/snowflake"
)

// Memory 記憶體 Store，供測試與單機開發使用
//
// 支援注入失敗：SetFailure("GetRoom", err) 之後每次呼叫 GetRoom 都會失敗。
type Memory struct {
	mu sync.RWMutex

	rooms        map[int64]*Room
	playlists    map[int64][]PlaylistItem
	beatmaps     map[int64]Beatmap
	restricted   map[int64]bool
	participants map[int64][]int64
	builds       map[string]Build
	events       []RoomEvent

	failures map[string]error
	ids      *snowflake.Generator
	fallback int64
}

var _ Store = (*Memory)(nil)

// NewMemory 創建記憶體 Store
func NewMemory() *Memory {
	// 節點 0 一定合法
	ids, _ := snowflake.New(0)

	return &Memory{
		rooms:        make(map[int64]*Room),
		playlists:    make(map[int64][]PlaylistItem),
		beatmaps:     make(map[int64]Beatmap),
		restricted:   make(map[int64]bool),
		participants: make(map[int64][]int64),
		builds:       make(map[string]Build),
		failures:     make(map[string]error),
		ids:          ids,
	}
}

// SetFailure 讓指定方法持續失敗，err 為 nil 時清除
func (m *Memory) SetFailure(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

func (m *Memory) fail(method string) error {
	if err, ok := m.failures[method]; ok {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// AddRoom 新增房間，回傳房間 ID（ID 為 0 時自動產生）
func (m *Memory) AddRoom(room Room) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if room.ID == 0 {
		room.ID = m.nextID()
	}
	if room.Category == "" {
		room.Category = CategoryNormal
	}
	if room.StartsAt.IsZero() {
		room.StartsAt = time.Now()
	}
	m.rooms[room.ID] = &room
	return room.ID
}

// SeedPlaylistItem 直接寫入播放項目，略過驗證
func (m *Memory) SeedPlaylistItem(item PlaylistItem) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item.ID == 0 {
		item.ID = m.nextID()
	}
	m.playlists[item.RoomID] = append(m.playlists[item.RoomID], item.Clone())
	return item.ID
}

// AddBeatmap 新增譜面
func (m *Memory) AddBeatmap(beatmap Beatmap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beatmaps[beatmap.ID] = beatmap
}

// AddBuild 新增客戶端版本
func (m *Memory) AddBuild(build Build) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builds[build.Hash] = build
}

// SetUserRestricted 設定使用者限制狀態
func (m *Memory) SetUserRestricted(userID int64, restricted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restricted[userID] = restricted
}

// RemoveRoom 刪除房間與其播放清單
func (m *Memory) RemoveRoom(roomID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, roomID)
	delete(m.playlists, roomID)
}

// Events 回傳所有已寫入的事件
func (m *Memory) Events() []RoomEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.events)
}

// Participants 回傳最後一次寫入的參與者
func (m *Memory) Participants(roomID int64) []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.participants[roomID])
}

func (m *Memory) nextID() int64 {
	id, err := m.ids.Next()
	if err != nil {
		// 時鐘大幅回撥時退回小序號，不會與 snowflake ID 相撞
		m.fallback++
		return m.fallback
	}
	return id
}

// GetRoom 讀取房間
func (m *Memory) GetRoom(_ context.Context, roomID int64) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fail("GetRoom"); err != nil {
		return nil, err
	}

	room, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *room
	return &clone, nil
}

// MarkRoomActive 標記房間為進行中
func (m *Memory) MarkRoomActive(_ context.Context, roomID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("MarkRoomActive"); err != nil {
		return err
	}

	room, ok := m.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	room.EndsAt = nil
	return nil
}

// UpdateRoomSettings 寫入房間設定
func (m *Memory) UpdateRoomSettings(_ context.Context, room *Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("UpdateRoomSettings"); err != nil {
		return err
	}

	existing, ok := m.rooms[room.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Name = room.Name
	existing.Password = room.Password
	existing.Type = room.Type
	existing.QueueMode = room.QueueMode
	existing.AutoStartDuration = room.AutoStartDuration
	return nil
}

// UpdateRoomHost 寫入房主
func (m *Memory) UpdateRoomHost(_ context.Context, roomID, hostID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("UpdateRoomHost"); err != nil {
		return err
	}

	room, ok := m.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	room.HostID = hostID
	return nil
}

// UpdateRoomParticipants 寫入參與者
func (m *Memory) UpdateRoomParticipants(_ context.Context, roomID int64, userIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("UpdateRoomParticipants"); err != nil {
		return err
	}

	room, ok := m.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	room.ParticipantCount = len(userIDs)
	m.participants[roomID] = slices.Clone(userIDs)
	return nil
}

// GetPlaylistItems 讀取播放清單
func (m *Memory) GetPlaylistItems(_ context.Context, roomID int64) ([]PlaylistItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fail("GetPlaylistItems"); err != nil {
		return nil, err
	}

	items := make([]PlaylistItem, 0, len(m.playlists[roomID]))
	for _, item := range m.playlists[roomID] {
		items = append(items, item.Clone())
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].PlaylistOrder != items[j].PlaylistOrder {
			return items[i].PlaylistOrder < items[j].PlaylistOrder
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

// AddPlaylistItem 新增播放項目
func (m *Memory) AddPlaylistItem(_ context.Context, item *PlaylistItem) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("AddPlaylistItem"); err != nil {
		return 0, err
	}

	stored := item.Clone()
	stored.ID = m.nextID()
	m.playlists[item.RoomID] = append(m.playlists[item.RoomID], stored)
	return stored.ID, nil
}

// UpdatePlaylistItem 更新播放項目
func (m *Memory) UpdatePlaylistItem(_ context.Context, item *PlaylistItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("UpdatePlaylistItem"); err != nil {
		return err
	}

	items := m.playlists[item.RoomID]
	for i := range items {
		if items[i].ID == item.ID {
			items[i] = item.Clone()
			return nil
		}
	}
	return ErrNotFound
}

// RemovePlaylistItem 刪除播放項目
func (m *Memory) RemovePlaylistItem(_ context.Context, roomID, itemID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("RemovePlaylistItem"); err != nil {
		return err
	}

	items := m.playlists[roomID]
	for i := range items {
		if items[i].ID == itemID {
			m.playlists[roomID] = slices.Delete(items, i, i+1)
			return nil
		}
	}
	return ErrNotFound
}

// MarkPlaylistItemPlayed 標記已遊玩
func (m *Memory) MarkPlaylistItemPlayed(_ context.Context, roomID, itemID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("MarkPlaylistItemPlayed"); err != nil {
		return err
	}

	items := m.playlists[roomID]
	for i := range items {
		if items[i].ID == itemID {
			now := time.Now()
			items[i].Expired = true
			items[i].PlayedAt = &now
			return nil
		}
	}
	return ErrNotFound
}

// GetBeatmap 讀取譜面
func (m *Memory) GetBeatmap(_ context.Context, beatmapID int64) (*Beatmap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fail("GetBeatmap"); err != nil {
		return nil, err
	}

	beatmap, ok := m.beatmaps[beatmapID]
	if !ok {
		return nil, ErrNotFound
	}
	return &beatmap, nil
}

// IsUserRestricted 查詢使用者是否被限制
func (m *Memory) IsUserRestricted(_ context.Context, userID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fail("IsUserRestricted"); err != nil {
		return false, err
	}
	return m.restricted[userID], nil
}

// LogRoomEvent 寫入房間事件
func (m *Memory) LogRoomEvent(_ context.Context, event *RoomEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("LogRoomEvent"); err != nil {
		return err
	}

	stored := *event
	stored.ID = int64(len(m.events) + 1)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	m.events = append(m.events, stored)
	return nil
}

// GetBuildByHash 讀取客戶端版本
func (m *Memory) GetBuildByHash(_ context.Context, hash string) (*Build, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fail("GetBuildByHash"); err != nil {
		return nil, err
	}

	build, ok := m.builds[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return &build, nil
}

// GetActiveBeatmapOfTheDayRooms 讀取進行中的每日挑戰房間，依 ID 排序
func (m *Memory) GetActiveBeatmapOfTheDayRooms(_ context.Context) ([]Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fail("GetActiveBeatmapOfTheDayRooms"); err != nil {
		return nil, err
	}

	now := time.Now()
	var rooms []Room
	for _, room := range m.rooms {
		if room.Category != CategoryDailyChallenge || room.HasEnded() {
			continue
		}
		if room.StartsAt.After(now) {
			continue
		}
		if room.EndsAt != nil && !room.EndsAt.After(now) {
			continue
		}
		rooms = append(rooms, *room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms, nil
}
