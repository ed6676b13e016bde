package chat

import (
	"time"

	"roomchat/internal/protection"
)

// Config holds per-room limits and timer periods.
type Config struct {
	MaxCapacity     int
	HistoryLimit    int
	HistoryReplay   int
	PersistEvery    int
	MaxMessageBytes int
	// ReservationTTL bounds how long an unjoined reservation holds a slot.
	ReservationTTL time.Duration

	// Protection gates connects and every inbound payload. MessageRateLimit
	// applies only to chat messages and uses its own limiter.
	Protection       protection.Config
	MessageRateLimit protection.RateLimitConfig

	AwayThreshold    time.Duration
	TypingTimeout    time.Duration
	PresenceInterval time.Duration
	HibernateAfter   time.Duration

	AlarmInterval    time.Duration
	AlarmHistoryKeep int
	UserRetention    time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxCapacity:     100,
		HistoryLimit:    100,
		HistoryReplay:   10,
		PersistEvery:    10,
		MaxMessageBytes: 10 * 1024,
		ReservationTTL:  30 * time.Second,

		Protection: protection.DefaultConfig("room"),
		MessageRateLimit: protection.RateLimitConfig{
			RequestsPerWindow: 20,
			WindowSize:        time.Minute,
		},

		AwayThreshold:    5 * time.Minute,
		TypingTimeout:    3 * time.Second,
		PresenceInterval: 30 * time.Second,
		HibernateAfter:   5 * time.Minute,

		AlarmInterval:    24 * time.Hour,
		AlarmHistoryKeep: 50,
		UserRetention:    7 * 24 * time.Hour,
	}
}
