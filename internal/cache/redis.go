package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// BatchCache caches embedded batches in a process-local LRU backed by Redis.
// A batch is keyed on everything that determines its vectors, including the
// order of its texts, because padding makes a vector depend on its batch.
// Cached vectors are shared and must not be modified.
type BatchCache struct {
	client *redis.Client
	local  *lru.Cache[string, [][]float32]
	config *Config
	logger *zap.Logger

	hits      atomic.Int64
	localHits atomic.Int64
	misses    atomic.Int64
}

// NewBatchCache creates a batch cache. Redis is used only when RedisURL is set.
func NewBatchCache(config *Config, logger *zap.Logger) (*BatchCache, error) {
	size := config.LocalSize
	if size <= 0 {
		size = 1024
	}
	local, err := lru.New[string, [][]float32](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create local cache: %w", err)
	}

	cache := &BatchCache{
		local:  local,
		config: config,
		logger: logger,
	}

	if config.RedisURL != "" {
		opts, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		if config.PoolSize > 0 {
			opts.PoolSize = config.PoolSize
		}
		cache.client = redis.NewClient(opts)

		// Test connection
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := cache.client.Ping(ctx).Err(); err != nil {
			cache.client.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
	}

	logger.Info("Batch cache initialized",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.Int("local_size", size),
		zap.Duration("default_ttl", config.DefaultTTL))

	return cache, nil
}

// Key derives the cache key for a batch
func (c *BatchCache) Key(model, revision, pooling string, texts []string) string {
	hasher := sha256.New()
	var n [8]byte
	write := func(s string) {
		binary.LittleEndian.PutUint64(n[:], uint64(len(s)))
		hasher.Write(n[:])
		hasher.Write([]byte(s))
	}

	write(model)
	write(revision)
	write(pooling)
	binary.LittleEndian.PutUint64(n[:], uint64(len(texts)))
	hasher.Write(n[:])
	for _, t := range texts {
		write(t)
	}

	return fmt.Sprintf("%s:batch:%s", c.config.KeyPrefix, hex.EncodeToString(hasher.Sum(nil)))
}

// Get returns the cached vectors for key
func (c *BatchCache) Get(ctx context.Context, key string) ([][]float32, bool) {
	if vecs, ok := c.local.Get(key); ok {
		c.hits.Add(1)
		c.localHits.Add(1)
		return vecs, true
	}
	if c.client == nil {
		c.misses.Add(1)
		return nil, false
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		c.logger.Debug("Cache miss", zap.String("key", key))
		return nil, false
	} else if err != nil {
		c.misses.Add(1)
		c.logger.Error("Cache lookup failed", zap.Error(err))
		return nil, false
	}

	var batch CachedBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		c.misses.Add(1)
		c.logger.Error("Failed to unmarshal cached batch", zap.Error(err))
		// Delete corrupted cache entry
		c.client.Del(ctx, key)
		return nil, false
	}

	c.hits.Add(1)
	c.local.Add(key, batch.Vectors)
	return batch.Vectors, true
}

// Set stores vectors under key
func (c *BatchCache) Set(ctx context.Context, key string, vectors [][]float32) error {
	c.local.Add(key, vectors)
	if c.client == nil {
		return nil
	}

	data, err := json.Marshal(CachedBatch{
		Vectors:  vectors,
		CachedAt: time.Now(),
		TTL:      int64(c.config.DefaultTTL.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal batch for caching: %w", err)
	}

	if err := c.client.Set(ctx, key, data, c.config.DefaultTTL).Err(); err != nil {
		c.logger.Error("Failed to cache batch", zap.Error(err))
		return fmt.Errorf("failed to cache batch: %w", err)
	}

	c.logger.Debug("Batch cached", zap.String("key", key), zap.Int("vectors", len(vectors)))
	return nil
}

// GetStats returns cache performance statistics
func (c *BatchCache) GetStats(ctx context.Context) (*CacheStats, error) {
	stats := &CacheStats{
		Hits:      c.hits.Load(),
		LocalHits: c.localHits.Load(),
		Misses:    c.misses.Load(),
		LocalKeys: c.local.Len(),
	}

	// Calculate hit rate
	total := stats.Hits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}

	if c.client == nil {
		return stats, nil
	}

	info, err := c.client.Info(ctx, "memory").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get Redis info: %w", err)
	}

	// Parse memory usage from Redis info
	for _, line := range strings.Split(info, "\r\n") {
		if memStr, ok := strings.CutPrefix(line, "used_memory:"); ok {
			if mem, err := strconv.ParseInt(memStr, 10, 64); err == nil {
				stats.MemoryUsage = mem
			}
		}
	}

	if keys, err := c.client.DBSize(ctx).Result(); err == nil {
		stats.TotalKeys = keys
	}

	return stats, nil
}

// Clear removes all cached batches
func (c *BatchCache) Clear(ctx context.Context) error {
	c.local.Purge()
	if c.client == nil {
		return nil
	}

	// Use SCAN to find all keys with our prefix
	iter := c.client.Scan(ctx, 0, c.config.KeyPrefix+":batch:*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}

	// Delete keys in batches
	batchSize := 100
	for i := 0; i < len(keys); i += batchSize {
		end := min(i+batchSize, len(keys))
		if err := c.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			c.logger.Error("Failed to delete cache keys", zap.Error(err))
			return fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}

	c.logger.Info("Cache cleared", zap.Int("deleted_keys", len(keys)))
	return nil
}

// Close closes the Redis connection
func (c *BatchCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// maskRedisURL masks sensitive information in Redis URL for logging
func maskRedisURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) >= 2 {
			userPart := parts[0]
			if strings.Contains(userPart, ":") {
				userParts := strings.Split(userPart, ":")
				if len(userParts) >= 3 {
					userParts[len(userParts)-1] = "***"
					parts[0] = strings.Join(userParts, ":")
				}
			}
			return strings.Join(parts, "@")
		}
	}
	return url
}
