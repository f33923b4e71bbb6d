// Package entity 提供以 int64 為鍵、可等待的獨占存取容器
//
// 多人連線服務的所有可變共享狀態（房間、連線狀態、各服務的 client state）
// 都放在 Store 裡，修改前必須先以 GetForUse 取得 Usage（租約）。
//
// 系統設計考量：
//
//  1. 每個鍵一個容量為 1 的 channel 當作號誌：
//     等待者停在 select 上，可以被 context 取消，不佔用執行緒也不忙等。
//  2. 全域 mutex 只保護 map 本身，持有時間極短；
//     不同鍵的操作完全平行，沒有全域鎖。
//  3. 租約釋放時若實體被標記銷毀（或從未設定內容），才從 map 移除。
//     這讓「建立失敗」不會留下空殼實體。
package entity

import (
	"context"
	"sync"

	apperrors "github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/errors"
)

// Store 泛型實體容器
type Store[T any] struct {
	name    string
	mu      sync.Mutex
	entries map[int64]*tracked[T]
}

// tracked 單一實體槽位
type tracked[T any] struct {
	id   int64
	lock chan struct{}

	itemMu  sync.RWMutex
	item    T
	hasItem bool

	destroyed bool // 由 Store.mu 保護
}

// Entry GetAllEntities 的快照項目
type Entry[T any] struct {
	ID   int64
	Item T
}

// NewStore 建立容器，name 只用於錯誤訊息
func NewStore[T any](name string) *Store[T] {
	return &Store[T]{
		name:    name,
		entries: make(map[int64]*tracked[T]),
	}
}

// GetForUse 取得 id 的獨占租約
//
// createIfMissing 為 false 時，不存在（或尚未設定內容）的實體回傳 NotFound。
// 呼叫端必須呼叫 Usage.Release。
func (s *Store[T]) GetForUse(ctx context.Context, id int64, createIfMissing bool) (*Usage[T], error) {
	for {
		s.mu.Lock()
		e, ok := s.entries[id]
		if !ok {
			if !createIfMissing {
				s.mu.Unlock()
				return nil, apperrors.Newf(apperrors.ErrCodeNotFound, "%s %d not found", s.name, id)
			}
			e = &tracked[T]{id: id, lock: make(chan struct{}, 1)}
			s.entries[id] = e
		}
		s.mu.Unlock()

		select {
		case e.lock <- struct{}{}:
		case <-ctx.Done():
			s.dropIfAbandoned(e)
			return nil, ctx.Err()
		}

		s.mu.Lock()
		destroyed := e.destroyed
		s.mu.Unlock()

		// 等待期間實體被銷毀：重新查找
		if destroyed {
			<-e.lock
			continue
		}

		usage := &Usage[T]{store: s, entity: e}
		if !createIfMissing && !usage.HasItem() {
			usage.Release()
			return nil, apperrors.Newf(apperrors.ErrCodeNotFound, "%s %d not found", s.name, id)
		}

		return usage, nil
	}
}

// dropIfAbandoned 取消等待時，若沒有人持有租約就順手回收空槽位
func (s *Store[T]) dropIfAbandoned(e *tracked[T]) {
	select {
	case e.lock <- struct{}{}:
		(&Usage[T]{store: s, entity: e}).Release()
	default:
	}
}

// GetEntityUnsafe 不取租約直接讀取內容
//
// 只適合熱路徑上的唯讀過濾，讀到的可能是過時的值。
func (s *Store[T]) GetEntityUnsafe(id int64) (T, bool) {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()

	if !ok {
		var zero T
		return zero, false
	}

	e.itemMu.RLock()
	defer e.itemMu.RUnlock()
	return e.item, e.hasItem
}

// GetAllEntities 回傳目前所有已設定內容的實體快照
func (s *Store[T]) GetAllEntities() []Entry[T] {
	s.mu.Lock()
	snapshot := make([]*tracked[T], 0, len(s.entries))
	for _, e := range s.entries {
		snapshot = append(snapshot, e)
	}
	s.mu.Unlock()

	result := make([]Entry[T], 0, len(snapshot))
	for _, e := range snapshot {
		e.itemMu.RLock()
		if e.hasItem {
			result = append(result, Entry[T]{ID: e.id, Item: e.item})
		}
		e.itemMu.RUnlock()
	}
	return result
}

// Len 目前的槽位數（包含正在建立中的）
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// remove 銷毀槽位，呼叫端必須持有該實體的租約
func (s *Store[T]) remove(e *tracked[T]) {
	s.mu.Lock()
	e.destroyed = true
	if current, ok := s.entries[e.id]; ok && current == e {
		delete(s.entries, e.id)
	}
	s.mu.Unlock()

	e.itemMu.Lock()
	var zero T
	e.item = zero
	e.hasItem = false
	e.itemMu.Unlock()
}

// Usage 實體租約，同一時間每個鍵只有一個
type Usage[T any] struct {
	store    *Store[T]
	entity   *tracked[T]
	destroy  bool
	released bool
}

// ID 實體鍵
func (u *Usage[T]) ID() int64 {
	return u.entity.id
}

// Item 目前內容，未設定時為零值
func (u *Usage[T]) Item() T {
	u.entity.itemMu.RLock()
	defer u.entity.itemMu.RUnlock()
	return u.entity.item
}

// HasItem 是否已設定內容
func (u *Usage[T]) HasItem() bool {
	u.entity.itemMu.RLock()
	defer u.entity.itemMu.RUnlock()
	return u.entity.hasItem
}

// SetItem 設定內容
func (u *Usage[T]) SetItem(item T) {
	u.entity.itemMu.Lock()
	u.entity.item = item
	u.entity.hasItem = true
	u.entity.itemMu.Unlock()
}

// Destroy 標記銷毀，槽位在 Release 時移除
func (u *Usage[T]) Destroy() {
	u.destroy = true
}

// Release 釋放租約，可重複呼叫
func (u *Usage[T]) Release() {
	if u.released {
		return
	}
	u.released = true

	if u.destroy || !u.HasItem() {
		u.store.remove(u.entity)
	}

	<-u.entity.lock
}
