package redisdb

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	applog "ragweave/internal/platform/log"
)

// 数据类别决定 TTL：向量几乎不变 > 检索结果 > 文档记录。
const (
	ClassEmbedding = "emb"
	ClassResult    = "search"
	ClassDocument  = "doc"
)

// CacheConfig 缓存配置
type CacheConfig struct {
	Prefix       string        // key 命名空间，默认 "rw"
	MaxKeyLen    int           // 超长 key 哈希成定长摘要
	EmbeddingTTL time.Duration
	ResultTTL    time.Duration
	DocumentTTL  time.Duration
}

// DefaultCacheConfig 默认缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Prefix:       "rw",
		MaxKeyLen:    120,
		EmbeddingTTL: 7 * 24 * time.Hour,
		ResultTTL:    30 * time.Minute,
		DocumentTTL:  2 * time.Hour,
	}
}

// CacheStats 命中计数
type CacheStats struct {
	Hits    int64
	Misses  int64
	Errors  int64
	HitRate float64
}

// CacheStore Redis 多级缓存。后端不可达时一律退化为 miss，
// 不把缓存故障抛给调用方。
type CacheStore struct {
	redis *goredis.Client
	cfg   CacheConfig

	hits   int64
	misses int64
	errs   int64
}

// NewCacheStore 创建缓存
func NewCacheStore(rdb *goredis.Client, cfg CacheConfig) *CacheStore {
	if cfg.Prefix == "" {
		cfg.Prefix = "rw"
	}
	if cfg.MaxKeyLen <= 0 {
		cfg.MaxKeyLen = 120
	}
	if cfg.EmbeddingTTL <= 0 {
		cfg.EmbeddingTTL = 7 * 24 * time.Hour
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 30 * time.Minute
	}
	if cfg.DocumentTTL <= 0 {
		cfg.DocumentTTL = 2 * time.Hour
	}
	return &CacheStore{redis: rdb, cfg: cfg}
}

// Key 构造带命名空间的 key；超过长度上限时替换为 sha256 摘要。
func (c *CacheStore) Key(class, key string) string {
	if len(key) > c.cfg.MaxKeyLen {
		sum := sha256.Sum256([]byte(key))
		key = fmt.Sprintf("%x", sum[:24])
	}
	return c.cfg.Prefix + ":" + class + ":" + key
}

func (c *CacheStore) ttl(class string) time.Duration {
	switch class {
	case ClassEmbedding:
		return c.cfg.EmbeddingTTL
	case ClassDocument:
		return c.cfg.DocumentTTL
	default:
		return c.cfg.ResultTTL
	}
}

// Get 读取并反序列化一个条目
func (c *CacheStore) Get(ctx context.Context, class, key string, dest any) bool {
	data, err := c.redis.Get(ctx, c.Key(class, key)).Bytes()
	if err == goredis.Nil {
		atomic.AddInt64(&c.misses, 1)
		return false
	}
	if err != nil {
		atomic.AddInt64(&c.errs, 1)
		atomic.AddInt64(&c.misses, 1)
		applog.Warn("[Cache] Get failed, treating as miss", "class", class, "error", err)
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		atomic.AddInt64(&c.misses, 1)
		applog.Warn("[Cache] Failed to unmarshal cached entry", "class", class, "error", err)
		return false
	}
	atomic.AddInt64(&c.hits, 1)
	return true
}

// Set 写入一个条目，TTL 按数据类别决定
func (c *CacheStore) Set(ctx context.Context, class, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, c.Key(class, key), data, c.ttl(class)).Err(); err != nil {
		atomic.AddInt64(&c.errs, 1)
		applog.Warn("[Cache] Set failed", "class", class, "error", err)
	}
}

// GetMany 批量读取（pipeline），返回命中的 key -> 原始数据
func (c *CacheStore) GetMany(ctx context.Context, class string, keys []string) map[string][]byte {
	found := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return found
	}

	pipe := c.redis.Pipeline()
	cmds := make([]*goredis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, c.Key(class, key))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
		atomic.AddInt64(&c.errs, 1)
		atomic.AddInt64(&c.misses, int64(len(keys)))
		applog.Warn("[Cache] Batch get failed, treating as miss", "class", class, "count", len(keys), "error", err)
		return found
	}

	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			atomic.AddInt64(&c.misses, 1)
			continue
		}
		atomic.AddInt64(&c.hits, 1)
		found[keys[i]] = data
	}
	return found
}

// SetMany 批量写入（pipeline）
func (c *CacheStore) SetMany(ctx context.Context, class string, entries map[string][]byte) {
	if len(entries) == 0 {
		return
	}
	ttl := c.ttl(class)
	pipe := c.redis.Pipeline()
	for key, data := range entries {
		pipe.Set(ctx, c.Key(class, key), data, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		atomic.AddInt64(&c.errs, 1)
		applog.Warn("[Cache] Batch set failed", "class", class, "count", len(entries), "error", err)
	}
}

// Delete 删除单个条目
func (c *CacheStore) Delete(ctx context.Context, class, key string) {
	if err := c.redis.Del(ctx, c.Key(class, key)).Err(); err != nil {
		atomic.AddInt64(&c.errs, 1)
	}
}

// InvalidatePattern 按 glob 模式批量删除，返回删除数量
func (c *CacheStore) InvalidatePattern(ctx context.Context, pattern string) int {
	fullPattern := c.cfg.Prefix + ":" + pattern
	iter := c.redis.Scan(ctx, 0, fullPattern, 200).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		atomic.AddInt64(&c.errs, 1)
		applog.Warn("[Cache] Pattern scan failed", "pattern", fullPattern, "error", err)
		return 0
	}
	if len(keys) == 0 {
		return 0
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		atomic.AddInt64(&c.errs, 1)
		applog.Warn("[Cache] Pattern delete failed", "pattern", fullPattern, "error", err)
		return 0
	}
	applog.Debug("[Cache] Invalidated", "pattern", fullPattern, "keys_deleted", len(keys))
	return len(keys)
}

// Stats 命中率快照
func (c *CacheStore) Stats() CacheStats {
	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	var rate float64
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}
	return CacheStats{
		Hits:    hits,
		Misses:  misses,
		Errors:  atomic.LoadInt64(&c.errs),
		HitRate: rate,
	}
}
