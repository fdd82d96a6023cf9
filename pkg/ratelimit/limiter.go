// Package ratelimit bounds outbound provider API traffic and schedules
// retry backoff for failing accounts.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds provider guard configuration.
type Config struct {
	// Semaphore: max in-flight requests per provider
	MaxConcurrent int

	// Sliding window: aggregate request rate across all workers
	RequestsPerSecond int
	BurstSize         int

	// Debounce: window in which repeated sync triggers for the same
	// account coalesce into one
	DebounceDuration time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrent:     50,
		RequestsPerSecond: 25,
		BurstSize:         10,
		DebounceDuration:  30 * time.Second,
	}
}

// ProviderGuard protects a mail provider API from the sync fleet:
// semaphore for concurrency, Redis sliding window for aggregate rate,
// debounce for duplicate manual triggers. Redis failures fail open so
// sync keeps working when Redis is down.
type ProviderGuard struct {
	config      *Config
	semaphore   chan struct{}
	rateLimiter *SlidingWindowLimiter
	debouncer   *Debouncer
}

// NewProviderGuard creates a guard for one provider.
func NewProviderGuard(redisClient *redis.Client, config *Config) *ProviderGuard {
	if config == nil {
		config = DefaultConfig()
	}

	return &ProviderGuard{
		config:      config,
		semaphore:   make(chan struct{}, config.MaxConcurrent),
		rateLimiter: NewSlidingWindowLimiter(redisClient, config.RequestsPerSecond, config.BurstSize),
		debouncer:   NewDebouncer(redisClient, config.DebounceDuration),
	}
}

// GuardResult contains the result of an admission check.
type GuardResult struct {
	Allowed      bool
	Reason       string
	ShouldWait   bool
	WaitDuration time.Duration
	FromDebounce bool
}

// Acquire tries to admit one provider API call for the given key
// (the provider name, so the window aggregates across accounts).
// Returns a release function that must be called once the call
// completes.
func (g *ProviderGuard) Acquire(ctx context.Context, key string) (*GuardResult, func()) {
	select {
	case g.semaphore <- struct{}{}:
	default:
		return &GuardResult{
			Allowed: false,
			Reason:  "too many concurrent requests",
		}, nil
	}

	releaseFunc := func() {
		<-g.semaphore
	}

	allowed, waitDuration := g.rateLimiter.Allow(ctx, key)
	if !allowed {
		releaseFunc()
		return &GuardResult{
			Allowed:      false,
			Reason:       "rate limit exceeded",
			ShouldWait:   waitDuration > 0,
			WaitDuration: waitDuration,
		}, nil
	}

	return &GuardResult{Allowed: true}, releaseFunc
}

// AcquireWithWait tries to acquire, waiting out a rate-limit window once
// when the limiter says the slot frees up within maxWait.
func (g *ProviderGuard) AcquireWithWait(ctx context.Context, key string, maxWait time.Duration) (*GuardResult, func()) {
	result, release := g.Acquire(ctx, key)

	if !result.Allowed && result.ShouldWait && result.WaitDuration <= maxWait {
		select {
		case <-time.After(result.WaitDuration):
			return g.Acquire(ctx, key)
		case <-ctx.Done():
			return &GuardResult{
				Allowed: false,
				Reason:  "context cancelled",
			}, nil
		}
	}

	return result, release
}

// ShouldDebounce reports whether a manual trigger for this key arrived
// inside the debounce window, and marks the key when it did not.
func (g *ProviderGuard) ShouldDebounce(ctx context.Context, key string) bool {
	if g.debouncer.IsDuplicate(ctx, key) {
		return true
	}
	g.debouncer.Mark(ctx, key)
	return false
}

// SlidingWindowLimiter implements sliding window rate limiting using Redis.
type SlidingWindowLimiter struct {
	redis     *redis.Client
	rate      int
	window    time.Duration
	burstSize int
}

// NewSlidingWindowLimiter creates a new sliding window rate limiter.
func NewSlidingWindowLimiter(redisClient *redis.Client, requestsPerSecond, burstSize int) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		redis:     redisClient,
		rate:      requestsPerSecond,
		window:    time.Second,
		burstSize: burstSize,
	}
}

// Allow checks if a request is admitted and returns wait duration if not.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	if l.redis == nil {
		// fail open without Redis
		return true, 0
	}

	now := time.Now()
	windowStart := now.Add(-l.window)
	redisKey := fmt.Sprintf("ratelimit:%s", key)

	// Lua script for atomic sliding window check
	script := redis.NewScript(`
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local window_start = tonumber(ARGV[2])
		local max_requests = tonumber(ARGV[3])
		local window_ms = tonumber(ARGV[4])

		-- Remove old entries
		redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

		-- Count current requests
		local count = redis.call('ZCARD', key)

		if count < max_requests then
			-- Add new request
			redis.call('ZADD', key, now, now .. '-' .. math.random())
			redis.call('PEXPIRE', key, window_ms * 2)
			return 1
		else
			-- Get oldest entry to calculate wait time
			local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
			if #oldest > 0 then
				return -(oldest[2] + window_ms - now)
			end
			return 0
		end
	`)

	result, err := script.Run(ctx, l.redis, []string{redisKey},
		now.UnixMilli(),
		windowStart.UnixMilli(),
		l.rate+l.burstSize,
		l.window.Milliseconds(),
	).Int64()

	if err != nil {
		// fail open on Redis errors
		return true, 0
	}

	if result == 1 {
		return true, 0
	}

	// result is negative wait time in milliseconds
	if result < 0 {
		return false, time.Duration(-result) * time.Millisecond
	}

	return false, l.window
}

// Debouncer coalesces repeated triggers within a time window.
type Debouncer struct {
	redis    *redis.Client
	duration time.Duration
	local    map[string]time.Time // fallback for no redis
	mu       sync.RWMutex
}

// NewDebouncer creates a new debouncer.
func NewDebouncer(redisClient *redis.Client, duration time.Duration) *Debouncer {
	return &Debouncer{
		redis:    redisClient,
		duration: duration,
		local:    make(map[string]time.Time),
	}
}

// IsDuplicate checks if this key was marked inside the window.
func (d *Debouncer) IsDuplicate(ctx context.Context, key string) bool {
	redisKey := fmt.Sprintf("debounce:%s", key)

	if d.redis != nil {
		exists, err := d.redis.Exists(ctx, redisKey).Result()
		if err == nil {
			return exists > 0
		}
	}

	d.mu.RLock()
	lastTime, exists := d.local[key]
	d.mu.RUnlock()

	if exists && time.Since(lastTime) < d.duration {
		return true
	}

	return false
}

// Mark records this key as triggered.
func (d *Debouncer) Mark(ctx context.Context, key string) {
	redisKey := fmt.Sprintf("debounce:%s", key)

	if d.redis != nil {
		d.redis.Set(ctx, redisKey, "1", d.duration)
	}

	d.mu.Lock()
	d.local[key] = time.Now()
	d.mu.Unlock()

	go d.cleanup()
}

func (d *Debouncer) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for k, v := range d.local {
		if now.Sub(v) > d.duration*2 {
			delete(d.local, k)
		}
	}
}
