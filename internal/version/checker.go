// Package version 檢查客戶端版本是否允許連線
//
// 每次建立連線與每次遠端呼叫都會檢查一次，所以查詢結果一定要快取：
// 同一個 build hash 5 分鐘內只查一次資料庫，查無結果也一樣快取，
// 避免舊版客戶端大量重連時每次都打到資料庫。
package version

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/cache"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/connection"
	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/database"
	apperrors "github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/errors"
)

// HashHeader 客戶端送出版本 hash 的 header
const HashHeader = "X-Client-Version-Hash"

const (
	// 較新的客戶端送出的是「hash + 額外資訊」的長字串，hash 固定在倒數第 82 個字元開始
	extendedHashLength = 82
	hashLength         = 32

	cacheKeyPrefix = "build:"
)

// checkedServices 需要檢查版本的服務
var checkedServices = map[connection.ServiceType]bool{
	connection.ServiceMultiplayer: true,
	connection.ServiceMetadata:    true,
}

// BuildSource 查詢客戶端版本
type BuildSource interface {
	GetBuildByHash(ctx context.Context, hash string) (*database.Build, error)
}

// cachedBuild 快取內容，Found 為 false 代表查無此版本
type cachedBuild struct {
	Found bool            `json:"found"`
	Build *database.Build `json:"build,omitempty"`
}

// Checker 版本檢查器
type Checker struct {
	enabled bool
	source  BuildSource
	cache   cache.Cache
	ttl     time.Duration
	logger  *slog.Logger
}

// Config 版本檢查配置
type Config struct {
	Enabled  bool
	CacheTTL time.Duration
}

// NewChecker 創建版本檢查器
func NewChecker(config Config, source BuildSource, c cache.Cache, logger *slog.Logger) *Checker {
	ttl := config.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Checker{
		enabled: config.Enabled,
		source:  source,
		cache:   c,
		ttl:     ttl,
		logger:  logger,
	}
}

// ExtractHash 從 header 值取出 build hash
func ExtractHash(value string) string {
	if len(value) >= extendedHashLength {
		start := len(value) - extendedHashLength
		return value[start : start+hashLength]
	}
	return value
}

// Check 檢查版本，不允許時回傳 VersionRejected
func (c *Checker) Check(ctx context.Context, service connection.ServiceType, headerValue string) error {
	if !c.enabled || !checkedServices[service] {
		return nil
	}

	hash := ExtractHash(headerValue)
	if hash == "" {
		return apperrors.ErrVersionRejected.WithDetails("missing client version hash")
	}

	build, err := c.lookup(ctx, hash)
	if err != nil {
		return err
	}
	if build == nil {
		c.logger.DebugContext(ctx, "unknown client version", "hash", hash)
		return apperrors.ErrVersionRejected.WithDetails("unknown client version")
	}
	if !build.Allowed {
		c.logger.DebugContext(ctx, "disallowed client version",
			"hash", hash,
			"version", build.Version)
		return apperrors.ErrVersionRejected.WithDetails("client version " + build.Version + " is no longer supported")
	}
	return nil
}

// lookup 先查快取，未命中再查資料庫並寫回快取
func (c *Checker) lookup(ctx context.Context, hash string) (*database.Build, error) {
	key := cacheKeyPrefix + hash

	if data, ok, err := c.cache.Get(ctx, key); err != nil {
		c.logger.WarnContext(ctx, "version cache read failed", "hash", hash, "error", err)
	} else if ok {
		var cached cachedBuild
		if err := json.Unmarshal(data, &cached); err == nil {
			if !cached.Found {
				return nil, nil
			}
			return cached.Build, nil
		}
		c.logger.WarnContext(ctx, "corrupt version cache entry", "hash", hash)
	}

	build, err := c.source.GetBuildByHash(ctx, hash)
	if err != nil && !apperrors.IsNotFound(err) {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to look up client version")
	}
	if err != nil {
		build = nil
	}

	data, err := json.Marshal(cachedBuild{Found: build != nil, Build: build})
	if err == nil {
		if err := c.cache.Set(ctx, key, data, c.ttl); err != nil {
			c.logger.WarnContext(ctx, "version cache write failed", "hash", hash, "error", err)
		}
	}
	return build, nil
}
