// Package snowflake 產生在整個叢集內唯一、大致遞增的 int64 ID
//
// 倒數計時的身分、記憶體 store 的播放項目 ID 都由這裡產生，
// 節點 ID 讓多台伺服器同時產生 ID 也不會撞號。
//
// 結構：[0 | 時間戳 41 bit | 節點 10 bit | 序列號 12 bit]
package snowflake

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// epoch 起始時間（2025-01-01 00:00:00 UTC）
	epoch int64 = 1735689600000

	nodeBits     = 10
	sequenceBits = 12

	maxNodeID   = (1 << nodeBits) - 1
	maxSequence = (1 << sequenceBits) - 1

	nodeShift      = sequenceBits
	timestampShift = sequenceBits + nodeBits

	// 容忍的時鐘回撥（毫秒）
	maxBackwardMS = 5000
)

var (
	// ErrInvalidNodeID 節點 ID 超出範圍
	ErrInvalidNodeID = errors.New("node ID must be between 0 and 1023")

	// ErrClockMovedBackwards 時鐘回撥過多
	ErrClockMovedBackwards = errors.New("clock moved backwards too much")
)

// Generator ID 產生器，可並發使用
type Generator struct {
	mu            sync.Mutex
	nodeID        int64
	sequence      int64
	lastTimestamp int64
	now           func() int64
}

// New 建立產生器
func New(nodeID int64) (*Generator, error) {
	if nodeID < 0 || nodeID > maxNodeID {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidNodeID, nodeID)
	}

	return &Generator{
		nodeID: nodeID,
		now:    func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Next 產生下一個 ID
func (g *Generator) Next() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	timestamp := g.now()

	if timestamp < g.lastTimestamp {
		offset := g.lastTimestamp - timestamp
		if offset > maxBackwardMS {
			return 0, fmt.Errorf("%w: offset=%dms", ErrClockMovedBackwards, offset)
		}
		// 小幅回撥沿用上次的時間戳
		timestamp = g.lastTimestamp
	}

	if timestamp == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			timestamp = g.waitNextMillis(g.lastTimestamp)
		}
	} else {
		g.sequence = 0
	}

	g.lastTimestamp = timestamp

	return ((timestamp - epoch) << timestampShift) |
		(g.nodeID << nodeShift) |
		g.sequence, nil
}

func (g *Generator) waitNextMillis(last int64) int64 {
	timestamp := g.now()
	for timestamp <= last {
		time.Sleep(10 * time.Microsecond)
		timestamp = g.now()
	}
	return timestamp
}

// Info 解析後的 ID
type Info struct {
	ID       int64     `json:"id"`
	Time     time.Time `json:"time"`
	NodeID   int64     `json:"node_id"`
	Sequence int64     `json:"sequence"`
}

// Parse 拆解 ID
func Parse(id int64) Info {
	return Info{
		ID:       id,
		Time:     time.UnixMilli((id >> timestampShift) + epoch),
		NodeID:   (id >> nodeShift) & maxNodeID,
		Sequence: id & maxSequence,
	}
}
