package sip

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-source INVITE rate limiting.
type RateLimitConfig struct {
	// Rate is the number of INVITEs allowed per second per source IP.
	Rate rate.Limit
	// Burst is the maximum burst size per source IP.
	Burst int
	// MaxAge is how long an idle limiter is kept before eviction.
	MaxAge time.Duration
}

// DefaultRateLimitConfig allows one INVITE per second with a burst of 5,
// which is plenty for a single-line answering machine.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:   rate.Limit(1),
		Burst:  5,
		MaxAge: 10 * time.Minute,
	}
}

type sourceEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SourceLimiter rate-limits SIP requests per source IP.
type SourceLimiter struct {
	mu      sync.Mutex
	entries map[string]*sourceEntry
	cfg     RateLimitConfig
	now     func() time.Time
}

// NewSourceLimiter creates a limiter. Stale entries are evicted lazily on
// Allow.
func NewSourceLimiter(cfg RateLimitConfig) *SourceLimiter {
	return &SourceLimiter{
		entries: make(map[string]*sourceEntry),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Allow reports whether a request from source ("host:port" or a bare IP)
// may proceed.
func (l *SourceLimiter) Allow(source string) bool {
	ip := extractIP(source)
	if ip == "" {
		ip = source
	}

	l.mu.Lock()
	now := l.now()
	l.evictLocked(now)
	entry, ok := l.entries[ip]
	if !ok {
		entry = &sourceEntry{limiter: rate.NewLimiter(l.cfg.Rate, l.cfg.Burst)}
		l.entries[ip] = entry
	}
	entry.lastSeen = now
	l.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

// Len returns the number of tracked sources.
func (l *SourceLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *SourceLimiter) evictLocked(now time.Time) {
	cutoff := now.Add(-l.cfg.MaxAge)
	for ip, entry := range l.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(l.entries, ip)
		}
	}
}

// extractIP parses the IP from a "host:port" string or returns the raw
// string if it's already an IP.
func extractIP(source string) string {
	if source == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		if net.ParseIP(source) != nil {
			return source
		}
		return ""
	}
	return host
}
