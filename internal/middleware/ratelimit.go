package middleware

import (
	"net"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute is the default rate limit for failed auth attempts per IP.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedIPs bounds how many client IPs are remembered at once.
	DefaultMaxTrackedIPs = 10000

	// DefaultIdleWindow is how long an IP without failures stays tracked.
	DefaultIdleWindow = 5 * time.Minute
)

// RateLimiterOption configures a [RateLimiter].
type RateLimiterOption func(*rateLimiterConfig)

type rateLimiterConfig struct {
	maxTrackedIPs int
	idleWindow    time.Duration
}

// WithMaxTrackedIPs caps the number of tracked IPs. The least recently seen
// IP is forgotten first.
func WithMaxTrackedIPs(n int) RateLimiterOption {
	return func(c *rateLimiterConfig) {
		if n > 0 {
			c.maxTrackedIPs = n
		}
	}
}

// WithIdleWindow sets how long an IP is remembered after its last failure.
func WithIdleWindow(d time.Duration) RateLimiterOption {
	return func(c *rateLimiterConfig) {
		if d > 0 {
			c.idleWindow = d
		}
	}
}

// RateLimiter tracks failed authentication attempts per client IP. Each IP
// gets a token bucket refilled at maxPerMinute per minute.
type RateLimiter struct {
	mu           sync.Mutex
	limiters     *expirable.LRU[string, *rate.Limiter]
	maxPerMinute int
}

// NewRateLimiter creates a per-IP limiter allowing maxPerMinute failed
// attempts. Pass 0 to use DefaultMaxAttemptsPerMinute.
func NewRateLimiter(maxPerMinute int, opts ...RateLimiterOption) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxAttemptsPerMinute
	}
	cfg := rateLimiterConfig{
		maxTrackedIPs: DefaultMaxTrackedIPs,
		idleWindow:    DefaultIdleWindow,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &RateLimiter{
		limiters:     expirable.NewLRU[string, *rate.Limiter](cfg.maxTrackedIPs, nil, cfg.idleWindow),
		maxPerMinute: maxPerMinute,
	}
}

// Allow reports whether ip may make another auth attempt without consuming
// a token.
func (rl *RateLimiter) Allow(ip string) bool {
	limiter, ok := rl.limiters.Get(ip)
	if !ok {
		return true
	}
	return limiter.Tokens() >= 1
}

// RecordFailureAndAllow records a failed attempt for ip and returns whether the
// attempt is still within the configured rate limit.
func (rl *RateLimiter) RecordFailureAndAllow(ip string) bool {
	rl.mu.Lock()
	limiter, ok := rl.limiters.Get(ip)
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(rl.maxPerMinute)/60.0), rl.maxPerMinute)
	}
	// Add refreshes the idle window on every failure.
	rl.limiters.Add(ip, limiter)
	rl.mu.Unlock()

	return limiter.Allow()
}

// Tracked returns the number of IPs currently remembered.
func (rl *RateLimiter) Tracked() int {
	return rl.limiters.Len()
}

// ExtractIP extracts the IP address from a RemoteAddr string, stripping the port.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
