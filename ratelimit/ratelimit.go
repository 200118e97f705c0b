// Package ratelimit provides token-bucket limiting for outbound tool calls,
// so bursts of workflow activity cannot exhaust a provider's API quota.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Config controls a token bucket.
type Config struct {
	// RatePerSecond is the steady-state refill rate. Default: 5.
	RatePerSecond float64
	// Burst is the bucket capacity. Default: 10.
	Burst int
	// Now overrides the clock for tests.
	Now func() time.Time
}

const (
	defaultRatePerSecond = 5.0
	defaultBurst         = 10
)

// Limiter is a token bucket. Allow is non-blocking; Wait blocks until a token
// is available or the context is done.
type Limiter struct {
	rate  float64
	burst float64
	now   func() time.Time

	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// NewLimiter creates a token-bucket limiter. The bucket starts full.
func NewLimiter(cfg Config) *Limiter {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = defaultRatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Limiter{
		rate:   cfg.RatePerSecond,
		burst:  float64(cfg.Burst),
		now:    cfg.Now,
		tokens: float64(cfg.Burst),
		last:   cfg.Now(),
	}
}

// Allow reports whether a token is available, consuming one if so.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	for {
		l.mu.Lock()
		l.refill()
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		deficit := 1 - l.tokens
		l.mu.Unlock()

		delay := time.Duration(deficit / l.rate * float64(time.Second))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// refill credits tokens for elapsed time. Caller holds l.mu.
func (l *Limiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.last).Seconds()
	if elapsed <= 0 {
		return
	}
	l.last = now
	l.tokens += elapsed * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
}

// PerServer hands out an independent limiter per server name.
type PerServer struct {
	defaults Config

	mu       sync.Mutex
	limiters map[string]*Limiter
	configs  map[string]Config
}

// NewPerServer creates a per-server limiter set using defaults for servers
// without an explicit config.
func NewPerServer(defaults Config) *PerServer {
	return &PerServer{
		defaults: defaults,
		limiters: make(map[string]*Limiter),
		configs:  make(map[string]Config),
	}
}

// SetConfig assigns a dedicated config for one server. It applies to the next
// limiter created for that name; an existing limiter is replaced.
func (p *PerServer) SetConfig(server string, cfg Config) error {
	if p == nil {
		return errors.New("ratelimit: per-server limiter is nil")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs[server] = cfg
	delete(p.limiters, server)
	return nil
}

// Get returns the limiter for a server, creating it on first use.
func (p *PerServer) Get(server string) *Limiter {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if limiter, ok := p.limiters[server]; ok {
		return limiter
	}
	cfg := p.defaults
	if override, ok := p.configs[server]; ok {
		cfg = override
	}
	limiter := NewLimiter(cfg)
	p.limiters[server] = limiter
	return limiter
}

// Wait acquires a token from the server's limiter.
func (p *PerServer) Wait(ctx context.Context, server string) error {
	return p.Get(server).Wait(ctx)
}
