package protection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 10, RecoveryTimeout: time.Minute}
}

// CircuitBreaker fails fast once an operation keeps failing and lets a single
// trial call through after the recovery timeout.
type CircuitBreaker struct {
	mu              sync.Mutex
	config          BreakerConfig
	clock           clockwork.Clock
	state           State
	failureCount    int
	lastFailureTime time.Time
	trialInFlight   bool

	// OnStateChange is called outside the lock after every transition.
	OnStateChange func(from, to State)
}

func NewCircuitBreaker(config BreakerConfig, clock clockwork.Clock) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = DefaultBreakerConfig().RecoveryTimeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CircuitBreaker{config: config, clock: clock, state: StateClosed}
}

// Execute runs op unless the circuit is open. Rejections (*Error) and
// context cancellation returned by op pass through without counting as
// failures or successes.
func (b *CircuitBreaker) Execute(op func() error) (err error) {
	trial, err := b.admit()
	if err != nil {
		return err
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("operation panicked: %v", rec)
		}
		b.record(trial, err)
	}()

	return op()
}

func (b *CircuitBreaker) admit() (bool, error) {
	b.mu.Lock()

	switch b.state {
	case StateOpen:
		if b.clock.Since(b.lastFailureTime) <= b.config.RecoveryTimeout {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.trialInFlight = true
		b.transition(StateHalfOpen)
		return true, nil
	case StateHalfOpen:
		if b.trialInFlight {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.trialInFlight = true
		b.mu.Unlock()
		return true, nil
	default:
		b.mu.Unlock()
		return false, nil
	}
}

// outcome classifies what op returned. Caller rejections and the caller
// abandoning the call say nothing about the operation's health.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeNeutral
	outcomeFailure
)

func classify(err error) outcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case IsRejection(err), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return outcomeNeutral
	default:
		return outcomeFailure
	}
}

func (b *CircuitBreaker) record(trial bool, err error) {
	result := classify(err)

	b.mu.Lock()
	if trial {
		b.trialInFlight = false
	}

	switch result {
	case outcomeNeutral:
		// A neutral trial leaves the circuit half-open for the next caller.
	case outcomeSuccess:
		if trial {
			b.failureCount = 0
			b.transition(StateClosed)
			return
		}
		if b.state == StateClosed {
			b.failureCount = 0
		}
	case outcomeFailure:
		b.failureCount++
		b.lastFailureTime = b.clock.Now()
		if trial || (b.state == StateClosed && b.failureCount >= b.config.FailureThreshold) {
			b.transition(StateOpen)
			return
		}
	}
	b.mu.Unlock()
}

// transition must be called with b.mu held and releases it.
func (b *CircuitBreaker) transition(to State) {
	from := b.state
	b.state = to
	hook := b.OnStateChange
	b.mu.Unlock()

	if hook != nil && from != to {
		hook(from, to)
	}
}

func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// BreakerSnapshot is the serializable view used by health endpoints.
type BreakerSnapshot struct {
	State           State  `json:"state"`
	FailureCount    int    `json:"failureCount"`
	LastFailureTime *int64 `json:"lastFailureTime,omitempty"`
}

func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := BreakerSnapshot{State: b.state, FailureCount: b.failureCount}
	if !b.lastFailureTime.IsZero() {
		ms := b.lastFailureTime.UnixMilli()
		snap.LastFailureTime = &ms
	}
	return snap
}
