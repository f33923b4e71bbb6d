package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis 以 Redis 實作的共用快取
type Redis struct {
	client    *redis.Client
	keyPrefix string
}

var _ Cache = (*Redis)(nil)

// NewRedis 建立 Redis 快取，所有鍵都會加上 keyPrefix
func NewRedis(client *redis.Client, keyPrefix string) *Redis {
	return &Redis{client: client, keyPrefix: keyPrefix}
}

// Get 讀取快取
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return value, true, nil
}

// Set 寫入快取
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete 刪除快取
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Layered 兩層快取：行程內 LRU 在前，共用快取在後
//
// 共用快取失敗時只記錄警告，照常使用本地層，Redis 故障不會擋住連線。
type Layered struct {
	local  *Local
	remote Cache
	logger *slog.Logger
}

var _ Cache = (*Layered)(nil)

// NewLayered 建立兩層快取，remote 可為 nil
func NewLayered(local *Local, remote Cache, logger *slog.Logger) *Layered {
	return &Layered{local: local, remote: remote, logger: logger}
}

// Get 先讀本地，未命中再讀共用快取並回填
//
// 回填的本地 TTL 使用 localTTL，共用快取本身的剩餘時間無法得知。
func (l *Layered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if value, ok, _ := l.local.Get(ctx, key); ok {
		return value, true, nil
	}

	if l.remote == nil {
		return nil, false, nil
	}

	value, ok, err := l.remote.Get(ctx, key)
	if err != nil {
		l.logger.Warn("shared cache read failed, using local only", "key", key, "error", err)
		return nil, false, nil
	}
	if !ok {
		return nil, false, nil
	}

	_ = l.local.Set(ctx, key, value, localTTL)
	return value, true, nil
}

// localTTL 從共用快取回填到本地時使用的 TTL
const localTTL = 30 * time.Second

// Set 同時寫入兩層
func (l *Layered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_ = l.local.Set(ctx, key, value, ttl)

	if l.remote == nil {
		return nil
	}
	if err := l.remote.Set(ctx, key, value, ttl); err != nil {
		l.logger.Warn("shared cache write failed", "key", key, "error", err)
	}
	return nil
}

// Delete 同時刪除兩層
func (l *Layered) Delete(ctx context.Context, key string) error {
	_ = l.local.Delete(ctx, key)

	if l.remote == nil {
		return nil
	}
	if err := l.remote.Delete(ctx, key); err != nil {
		l.logger.Warn("shared cache delete failed", "key", key, "error", err)
	}
	return nil
}
