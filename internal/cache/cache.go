// Package cache 提供帶 TTL 的位元組快取
//
// 版本檢查會把 build hash 的查詢結果快取 5 分鐘（包含查無結果）。
// 部署時以 Redis 為主要快取，讓整個叢集共用；行程內 LRU 作為第一層與後備。
package cache

import (
	"context"
	"time"
)

// Cache 快取介面
type Cache interface {
	// Get 讀取快取，未命中時 ok 為 false
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set 寫入快取，ttl <= 0 表示不過期
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
