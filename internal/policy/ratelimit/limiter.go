// Package ratelimit implements token bucket throttling with an overall
// bucket and an optional bucket per key.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/sitepulse-crawler/internal/metrics"
)

// Limiter throttles callers globally and per key.
type Limiter struct {
	name   string
	global *rate.Limiter

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	keyRate  rate.Limit
	keyBurst int
}

// Config holds rate limiter configuration. Name labels wait metrics; a
// non-positive rate disables that bucket and bursts default to 1.
type Config struct {
	Name        string
	RPS         float64
	Burst       int
	PerKeyRPS   float64
	PerKeyBurst int
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	return &Limiter{
		name:     cfg.Name,
		global:   rate.NewLimiter(limitOf(cfg.RPS), burstOf(cfg.Burst)),
		limiters: make(map[string]*rate.Limiter),
		keyRate:  limitOf(cfg.PerKeyRPS),
		keyBurst: burstOf(cfg.PerKeyBurst),
	}
}

func limitOf(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

func burstOf(b int) int {
	if b <= 0 {
		return 1
	}
	return b
}

// Wait blocks until both the bucket of key and the overall bucket grant a
// token, or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	start := time.Now()
	if err := l.forKey(key).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if err := l.global.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveThrottleWait(l.name, d)
	}
	return nil
}

// Allow reports whether a token is available right now without waiting.
func (l *Limiter) Allow(key string) bool {
	return l.forKey(key).Allow() && l.global.Allow()
}

func (l *Limiter) forKey(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.keyRate, l.keyBurst)
		l.limiters[key] = limiter
	}
	return limiter
}
