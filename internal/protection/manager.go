package protection

import (
	"errors"
	"sync/atomic"

	"roomchat/internal/metrics"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Config wires the three components of a Manager.
type Config struct {
	// Scope labels logs and metrics, e.g. "router" or "room".
	Scope          string
	RateLimit      RateLimitConfig
	Breaker        BreakerConfig
	MaxConnections int
}

func DefaultConfig(scope string) Config {
	return Config{
		Scope:          scope,
		RateLimit:      DefaultRateLimitConfig(),
		Breaker:        DefaultBreakerConfig(),
		MaxConnections: 500,
	}
}

// Manager is the single admission gate. Checks run in a fixed order and the
// first failing one rejects the call with no side effect besides metrics.
type Manager struct {
	scope        string
	limiter      *RateLimiter
	breaker      *CircuitBreaker
	monitor      *ConnectionMonitor
	shuttingDown atomic.Bool
	logger       zerolog.Logger
}

func NewManager(cfg Config, clock clockwork.Clock, logger zerolog.Logger) *Manager {
	m := &Manager{
		scope:   cfg.Scope,
		limiter: NewRateLimiter(cfg.RateLimit, clock),
		breaker: NewCircuitBreaker(cfg.Breaker, clock),
		monitor: NewConnectionMonitor(cfg.MaxConnections),
		logger:  logger.With().Str("component", "protection").Str("scope", cfg.Scope).Logger(),
	}
	m.breaker.OnStateChange = func(from, to State) {
		metrics.BreakerTransitions.WithLabelValues(m.scope, string(to)).Inc()
		m.logger.Info().
			Str("event", "breaker_state_change").
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("circuit breaker changed state")
	}
	return m
}

// ExecuteWithProtection admits identifier and runs op through the breaker.
func (m *Manager) ExecuteWithProtection(identifier string, op func() error) error {
	if m.shuttingDown.Load() {
		return m.reject(identifier, ErrServiceUnavailable)
	}
	if !m.limiter.Allow(identifier) {
		return m.reject(identifier, ErrRateLimitExceeded)
	}
	if m.monitor.IsOverloaded() {
		return m.reject(identifier, ErrSystemOverloaded)
	}

	m.monitor.IncrementRequestCount()

	err := m.breaker.Execute(op)
	if errors.Is(err, ErrCircuitOpen) {
		return m.reject(identifier, ErrCircuitOpen)
	}
	return err
}

func (m *Manager) reject(identifier string, pe *Error) error {
	metrics.AdmissionRejections.WithLabelValues(m.scope, pe.Code).Inc()
	m.logger.Warn().
		Str("event", "admission_rejected").
		Str("code", pe.Code).
		Str("identifier", identifier).
		Msg("operation rejected")
	return pe
}

// InitiateGracefulShutdown is one-way.
func (m *Manager) InitiateGracefulShutdown() {
	if m.shuttingDown.CompareAndSwap(false, true) {
		m.logger.Info().Msg("graceful shutdown initiated, rejecting new operations")
	}
}

func (m *Manager) IsShuttingDown() bool {
	return m.shuttingDown.Load()
}

// IsSystemHealthy is a read-only composite of breaker, connection health and
// shutdown flag.
func (m *Manager) IsSystemHealthy() bool {
	return !m.shuttingDown.Load() &&
		m.breaker.State() != StateOpen &&
		m.monitor.HealthStatus().Status != HealthCritical
}

// Health is the JSON view served by health endpoints.
type Health struct {
	Healthy      bool            `json:"healthy"`
	ShuttingDown bool            `json:"shuttingDown"`
	Breaker      BreakerSnapshot `json:"circuitBreaker"`
	Connections  HealthStatus    `json:"connections"`
	RateLimited  int             `json:"trackedIdentifiers"`
}

func (m *Manager) Health() Health {
	return Health{
		Healthy:      m.IsSystemHealthy(),
		ShuttingDown: m.shuttingDown.Load(),
		Breaker:      m.breaker.Snapshot(),
		Connections:  m.monitor.HealthStatus(),
		RateLimited:  m.limiter.Tracked(),
	}
}

func (m *Manager) UpdateConnectionCount(n int) {
	m.monitor.UpdateConnectionCount(n)
}

// Cleanup prunes idle rate-limit identifiers.
func (m *Manager) Cleanup() int {
	return m.limiter.Cleanup()
}

func (m *Manager) Limiter() *RateLimiter { return m.limiter }

func (m *Manager) Breaker() *CircuitBreaker { return m.breaker }

func (m *Manager) Monitor() *ConnectionMonitor { return m.monitor }
