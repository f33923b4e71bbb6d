package notify

import (
	"context"
	"slices"
	"sync"
)

// Sent 一筆送出的事件
type Sent struct {
	Group  string // 送給群組時
	UserID int64  // 送給單一使用者時
	Event  Event
}

// Recorder 記錄所有推播的 Notifier，供測試與除錯使用
type Recorder struct {
	mu     sync.Mutex
	groups map[string]map[int64]struct{}
	sent   []Sent
}

var _ Notifier = (*Recorder)(nil)

// NewRecorder 創建 Recorder
func NewRecorder() *Recorder {
	return &Recorder{groups: make(map[string]map[int64]struct{})}
}

// JoinGroup 實現 Notifier
func (r *Recorder) JoinGroup(_ context.Context, group string, userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.groups[group]
	if !ok {
		members = make(map[int64]struct{})
		r.groups[group] = members
	}
	members[userID] = struct{}{}
}

// LeaveGroup 實現 Notifier
func (r *Recorder) LeaveGroup(_ context.Context, group string, userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.groups[group]
	if !ok {
		return
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(r.groups, group)
	}
}

// SendGroup 實現 Notifier
func (r *Recorder) SendGroup(_ context.Context, group string, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{Group: group, Event: event})
}

// SendUser 實現 Notifier
func (r *Recorder) SendUser(_ context.Context, userID int64, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{UserID: userID, Event: event})
}

// Members 群組目前的成員（已排序）
func (r *Recorder) Members(group string) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := make([]int64, 0, len(r.groups[group]))
	for id := range r.groups[group] {
		members = append(members, id)
	}
	slices.Sort(members)
	return members
}

// Sent 所有送出的事件
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.sent)
}

// Events 指定類型的事件，依送出順序
func (r *Recorder) Events(eventType string) []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []Sent
	for _, s := range r.sent {
		if s.Event.Type == eventType {
			result = append(result, s)
		}
	}
	return result
}

// Count 指定類型的事件數
func (r *Recorder) Count(eventType string) int {
	return len(r.Events(eventType))
}

// Reset 清除已記錄的事件，群組成員保留
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
