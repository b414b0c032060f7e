package cache

import (
	"time"
)

// CachedBatch is the stored form of one embedded batch
type CachedBatch struct {
	Vectors  [][]float32 `json:"vectors"`
	CachedAt time.Time   `json:"cached_at"`
	TTL      int64       `json:"ttl"`
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	LocalHits   int64   `json:"local_hits"`
	HitRate     float64 `json:"hit_rate"`
	LocalKeys   int     `json:"local_keys"`
	TotalKeys   int64   `json:"total_keys"`
	MemoryUsage int64   `json:"memory_usage_bytes"`
}

// Config contains cache configuration
type Config struct {
	RedisURL   string        `yaml:"redis_url" mapstructure:"redis_url"` // empty keeps the cache in process
	PoolSize   int           `yaml:"pool_size" mapstructure:"pool_size"`
	DefaultTTL time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`
	KeyPrefix  string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	LocalSize  int           `yaml:"local_size" mapstructure:"local_size"`
}
