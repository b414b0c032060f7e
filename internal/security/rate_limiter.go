// Package security holds request admission controls for the embedding server.
package security

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-client limiting
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
}

// RateLimiter applies a token bucket per client IP
type RateLimiter struct {
	config  RateLimitConfig
	buckets map[string]*bucket
	mu      sync.Mutex
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &RateLimiter{
		config:  cfg,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow checks if a request from the given client IP is allowed
func (r *RateLimiter) Allow(clientIP string) bool {
	if !r.config.Enabled {
		return true
	}

	now := r.now()
	return r.getBucket(clientIP, now).limiter.AllowN(now, 1)
}

// Tokens returns the tokens left for a client, or the burst for an unseen one
func (r *RateLimiter) Tokens(clientIP string) float64 {
	r.mu.Lock()
	b, exists := r.buckets[clientIP]
	r.mu.Unlock()

	if !exists {
		return float64(r.config.Burst)
	}
	return b.limiter.TokensAt(r.now())
}

// getBucket gets or creates the bucket for a client IP
func (r *RateLimiter) getBucket(clientIP string, now time.Time) *bucket {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, exists := r.buckets[clientIP]
	if !exists {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond), r.config.Burst)}
		r.buckets[clientIP] = b
	}
	b.lastSeen = now
	return b
}

// CleanupOldBuckets removes buckets unused for longer than maxIdle
func (r *RateLimiter) CleanupOldBuckets(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxIdle)
	removed := 0
	for ip, b := range r.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(r.buckets, ip)
			removed++
		}
	}
	return removed
}

// StartCleanupRoutine removes idle buckets every interval until ctx is done
func (r *RateLimiter) StartCleanupRoutine(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.CleanupOldBuckets(time.Hour)
			}
		}
	}()
}
