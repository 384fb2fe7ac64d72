package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/config"
)

func TestNewLimiter(t *testing.T) {
	cfg := DefaultConfig()
	limiter := NewLimiter(cfg)

	if limiter == nil {
		t.Fatal("NewLimiter() should return non-nil limiter")
	}

	stats := limiter.GetStats()
	if stats.BurstSize != cfg.BurstSize {
		t.Errorf("stats.BurstSize = %v, want %v", stats.BurstSize, cfg.BurstSize)
	}
}

func TestFromConfig(t *testing.T) {
	if l := FromConfig(config.RateLimitConfig{Enabled: false, RequestsPerSecond: 5}); l != nil {
		t.Errorf("FromConfig() with rate limiting disabled = %v, want nil", l)
	}

	l := FromConfig(config.RateLimitConfig{Enabled: true, RequestsPerSecond: 5, BurstSize: 0})
	if l == nil {
		t.Fatal("FromConfig() with rate limiting enabled returned nil")
	}
	if got := l.GetStats().BurstSize; got != 1 {
		t.Errorf("burst size = %d, want clamp to 1", got)
	}
}

func TestNilLimiter(t *testing.T) {
	var l *Limiter
	ctx := context.Background()

	if err := l.Wait(ctx); err != nil {
		t.Errorf("nil Wait() error = %v", err)
	}
	if err := l.WaitForHost(ctx, "example.com"); err != nil {
		t.Errorf("nil WaitForHost() error = %v", err)
	}
	if !l.Allow() {
		t.Error("nil Allow() should always allow")
	}
	l.Reset()
	if s := l.GetStats(); s.TrackedHosts != 0 {
		t.Errorf("nil GetStats() = %+v", s)
	}
}

func TestLimiter_Wait(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 10.0, BurstSize: 2})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 2; i++ {
		if err := limiter.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	if d := time.Since(start); d > 50*time.Millisecond {
		t.Errorf("burst requests took too long: %v", d)
	}

	start = time.Now()
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if d := time.Since(start); d < 50*time.Millisecond {
		t.Errorf("rate limiter did not delay enough: %v", d)
	}
}

func TestLimiter_WaitForHost(t *testing.T) {
	cfg := Config{
		RequestsPerSecond: 100.0,
		BurstSize:         10,
		MinDelay:          50 * time.Millisecond,
	}
	limiter := NewLimiter(cfg)
	ctx := context.Background()

	start := time.Now()
	if err := limiter.WaitForHost(ctx, "example.com"); err != nil {
		t.Fatalf("WaitForHost() error = %v", err)
	}
	if d := time.Since(start); d > 20*time.Millisecond {
		t.Errorf("first request took too long: %v", d)
	}

	start = time.Now()
	if err := limiter.WaitForHost(ctx, "example.com"); err != nil {
		t.Fatalf("WaitForHost() error = %v", err)
	}
	// allow a little slack for timer granularity
	if d := time.Since(start); d < cfg.MinDelay-5*time.Millisecond {
		t.Errorf("per-host delay not enforced: %v < %v", d, cfg.MinDelay)
	}
}

func TestLimiter_WaitForHost_DifferentHosts(t *testing.T) {
	limiter := NewLimiter(Config{
		RequestsPerSecond: 100.0,
		BurstSize:         10,
		MinDelay:          100 * time.Millisecond,
	})
	ctx := context.Background()

	start := time.Now()
	for _, host := range []string{"example1.com", "example2.com", "example3.com"} {
		if err := limiter.WaitForHost(ctx, host); err != nil {
			t.Fatalf("WaitForHost(%s) error = %v", host, err)
		}
	}
	if d := time.Since(start); d > 50*time.Millisecond {
		t.Errorf("different hosts took too long: %v", d)
	}

	if got := limiter.GetStats().TrackedHosts; got != 3 {
		t.Errorf("TrackedHosts = %v, want 3", got)
	}

	limiter.Reset()
	if got := limiter.GetStats().TrackedHosts; got != 0 {
		t.Errorf("after reset TrackedHosts = %v, want 0", got)
	}
}

func TestLimiter_ContextCancellation(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 1.0, BurstSize: 1})
	_ = limiter.Wait(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := limiter.Wait(ctx); err != context.Canceled {
		t.Errorf("Wait() with cancelled context: error = %v, want %v", err, context.Canceled)
	}
}
