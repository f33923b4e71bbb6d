package snowflake_test

import (
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGenerator_Uniqueness 測試並發產生的 ID 不重複
func TestGenerator_Uniqueness(t *testing.T) {
	gen, err := snowflake.New(1)
	require.NoError(t, err)

	const (
		workers   = 8
		perWorker = 5000
	)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		ids = make(map[int64]struct{}, workers*perWorker)
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				id, err := gen.Next()
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				ids[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ids, workers*perWorker)
}

// TestGenerator_Monotonic 測試單一 goroutine 下 ID 遞增
func TestGenerator_Monotonic(t *testing.T) {
	gen, err := snowflake.New(3)
	require.NoError(t, err)

	prev, err := gen.Next()
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		id, err := gen.Next()
		require.NoError(t, err)
		assert.Greater(t, id, prev)
		prev = id
	}
}

// TestNew_InvalidNodeID 測試節點 ID 範圍
func TestNew_InvalidNodeID(t *testing.T) {
	_, err := snowflake.New(-1)
	assert.ErrorIs(t, err, snowflake.ErrInvalidNodeID)

	_, err = snowflake.New(1024)
	assert.ErrorIs(t, err, snowflake.ErrInvalidNodeID)

	_, err = snowflake.New(1023)
	assert.NoError(t, err)
}

// TestParse 測試 ID 拆解
func TestParse(t *testing.T) {
	gen, err := snowflake.New(42)
	require.NoError(t, err)

	before := time.Now().Add(-time.Millisecond)
	id, err := gen.Next()
	require.NoError(t, err)

	info := snowflake.Parse(id)
	assert.Equal(t, id, info.ID)
	assert.Equal(t, int64(42), info.NodeID)
	assert.WithinDuration(t, before, info.Time, time.Second)
}
