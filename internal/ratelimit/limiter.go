package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/config"
	"golang.org/x/time/rate"
)

// Limiter throttles requests sent to GraphQL targets. A nil *Limiter never blocks.
type Limiter struct {
	limiter      *rate.Limiter
	requestDelay time.Duration
	burstSize    int
	nextSlot     map[string]time.Time
	mu           sync.Mutex
}

type Config struct {
	// RequestsPerSecond limits the global request rate
	RequestsPerSecond float64

	// BurstSize allows brief bursts above the rate limit
	BurstSize int

	// MinDelay is the minimum spacing between requests to the same host
	MinDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10.0,
		BurstSize:         5,
		MinDelay:          0,
	}
}

// FromConfig returns nil when rate limiting is disabled.
func FromConfig(cfg config.RateLimitConfig) *Limiter {
	if !cfg.Enabled {
		return nil
	}
	return NewLimiter(Config{
		RequestsPerSecond: cfg.RequestsPerSecond,
		BurstSize:         cfg.BurstSize,
		MinDelay:          cfg.MinDelay,
	})
}

func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiter:      rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		requestDelay: cfg.MinDelay,
		burstSize:    burst,
		nextSlot:     make(map[string]time.Time),
	}
}

func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}

// WaitForHost waits for the global limiter and then for the host's next free slot.
// Slots are reserved under the lock so concurrent callers for one host queue up
// without blocking callers for other hosts.
func (l *Limiter) WaitForHost(ctx context.Context, host string) error {
	if l == nil {
		return nil
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	if l.requestDelay <= 0 {
		return nil
	}

	l.mu.Lock()
	now := time.Now()
	slot := now
	if next, ok := l.nextSlot[host]; ok && next.After(now) {
		slot = next
	}
	l.nextSlot[host] = slot.Add(l.requestDelay)
	l.mu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.limiter.Allow()
}

func (l *Limiter) Reset() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSlot = make(map[string]time.Time)
}

func (l *Limiter) GetStats() Stats {
	if l == nil {
		return Stats{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		TrackedHosts: len(l.nextSlot),
		BurstSize:    l.burstSize,
		RequestDelay: l.requestDelay,
	}
}

type Stats struct {
	TrackedHosts int
	BurstSize    int
	RequestDelay time.Duration
}
