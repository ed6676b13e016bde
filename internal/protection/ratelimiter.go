package protection

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RateLimitConfig sets how many calls an identifier may make per window.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowSize        time.Duration
}

// DefaultRateLimitConfig is the routing-layer default (200/min).
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 200, WindowSize: time.Minute}
}

// RateLimiter implements sliding window rate limiting per identifier.
// It keeps the timestamps of accepted calls that are still inside the window.
type RateLimiter struct {
	mu      sync.Mutex
	config  RateLimitConfig
	clock   clockwork.Clock
	windows map[string][]time.Time
}

func NewRateLimiter(config RateLimitConfig, clock clockwork.Clock) *RateLimiter {
	if config.RequestsPerWindow <= 0 {
		config.RequestsPerWindow = DefaultRateLimitConfig().RequestsPerWindow
	}
	if config.WindowSize <= 0 {
		config.WindowSize = time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateLimiter{
		config:  config,
		clock:   clock,
		windows: make(map[string][]time.Time),
	}
}

// Allow records a call for identifier and reports whether it fits the window.
// A denied call is not recorded.
func (l *RateLimiter) Allow(identifier string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	stamps := prune(l.windows[identifier], now.Add(-l.config.WindowSize))

	if len(stamps) >= l.config.RequestsPerWindow {
		l.windows[identifier] = stamps
		return false
	}

	l.windows[identifier] = append(stamps, now)
	return true
}

// Remaining returns how many calls identifier can still make right now.
func (l *RateLimiter) Remaining(identifier string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := prune(l.windows[identifier], l.clock.Now().Add(-l.config.WindowSize))
	l.windows[identifier] = stamps
	return max(l.config.RequestsPerWindow-len(stamps), 0)
}

// Cleanup drops identifiers with no calls left in the window and returns how
// many were removed. Abandoned identifiers would otherwise live forever.
func (l *RateLimiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clock.Now().Add(-l.config.WindowSize)
	removed := 0
	for id, stamps := range l.windows {
		stamps = prune(stamps, cutoff)
		if len(stamps) == 0 {
			delete(l.windows, id)
			removed++
			continue
		}
		l.windows[id] = stamps
	}
	return removed
}

// Tracked returns the number of identifiers currently held in memory.
func (l *RateLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func (l *RateLimiter) Config() RateLimitConfig {
	return l.config
}

// prune drops timestamps at or before cutoff. Timestamps are appended in
// order so the survivors are a suffix.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}
