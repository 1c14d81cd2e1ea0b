// Package web holds HTTP middleware shared by the gateway's public routes.
package web

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig bounds how often one client address may open a stream or
// call the lookup API.
type RateLimitConfig struct {
	Every   time.Duration // one token per Every
	Burst   int
	MaxIdle time.Duration // forget addresses idle this long
	Sweep   time.Duration // how often to look for idle addresses
}

// DefaultRateLimitConfig allows bursts of 10 with one new request per second.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Every:   time.Second,
		Burst:   10,
		MaxIdle: time.Hour,
		Sweep:   10 * time.Minute,
	}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per remote IP.
type RateLimiter struct {
	cfg RateLimitConfig
	now func() time.Time

	mu      sync.Mutex
	clients map[string]*clientLimiter
	cancel  context.CancelFunc
}

// NewRateLimiter creates a RateLimiter. Zero fields take their defaults.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	d := DefaultRateLimitConfig()
	if cfg.Every <= 0 {
		cfg.Every = d.Every
	}
	if cfg.Burst <= 0 {
		cfg.Burst = d.Burst
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = d.MaxIdle
	}
	if cfg.Sweep <= 0 {
		cfg.Sweep = d.Sweep
	}
	return &RateLimiter{
		cfg:     cfg,
		now:     time.Now,
		clients: make(map[string]*clientLimiter),
	}
}

// Allow reports whether ip may make a request now.
func (m *RateLimiter) Allow(ip string) bool {
	m.mu.Lock()
	c, ok := m.clients[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Every(m.cfg.Every), m.cfg.Burst)}
		m.clients[ip] = c
	}
	c.lastSeen = m.now()
	m.mu.Unlock()
	return c.limiter.Allow()
}

// Middleware answers 429 once a client's bucket is empty.
func (m *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// Start runs the idle sweep until ctx is cancelled or Stop is called.
func (m *RateLimiter) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	go func() {
		t := time.NewTicker(m.cfg.Sweep)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.sweep()
			}
		}
	}()
}

// Stop ends the idle sweep.
func (m *RateLimiter) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *RateLimiter) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.cfg.MaxIdle)
	removed := 0
	for ip, c := range m.clients {
		if c.lastSeen.Before(cutoff) {
			delete(m.clients, ip)
			removed++
		}
	}
	return removed
}

// Tracked returns how many client addresses currently hold a bucket.
func (m *RateLimiter) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}
