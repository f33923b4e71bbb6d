package cache

import "time"

// SetClock 替換時鐘
func (c *Local) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
