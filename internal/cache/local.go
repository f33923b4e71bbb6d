package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Local 行程內 LRU 快取，每個項目各自帶過期時間
//
// 資料結構：
//   - 雙向鏈結串列：維護存取順序（頭部為最近使用）
//   - HashMap：O(1) 查找
//
// 過期的項目在讀取時才移除，容量滿時淘汰鏈表尾部。
type Local struct {
	capacity int
	items    map[string]*list.Element
	order    *list.List
	mu       sync.Mutex
	now      func() time.Time
}

// localEntry 鏈表節點儲存的資料
type localEntry struct {
	key       string
	value     []byte
	expiresAt time.Time // 零值表示不過期
}

var _ Cache = (*Local)(nil)

// NewLocal 建立容量為 capacity 的 LRU 快取
func NewLocal(capacity int) *Local {
	if capacity <= 0 {
		capacity = 1
	}

	return &Local{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// Get 讀取快取，命中時移到鏈表頭部
func (c *Local) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}

	e := elem.Value.(*localEntry)
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		c.removeElement(elem)
		return nil, false, nil
	}

	c.order.MoveToFront(elem)
	return e.value, true, nil
}

// Set 寫入快取
func (c *Local) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*localEntry)
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return nil
	}

	elem := c.order.PushFront(&localEntry{key: key, value: value, expiresAt: expiresAt})
	c.items[key] = elem

	if c.order.Len() > c.capacity {
		c.removeElement(c.order.Back())
	}
	return nil
}

// Delete 刪除快取項目
func (c *Local) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
	return nil
}

// Len 目前項目數量（包含尚未清除的過期項目）
func (c *Local) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Local) removeElement(elem *list.Element) {
	if elem == nil {
		return
	}
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*localEntry).key)
}
