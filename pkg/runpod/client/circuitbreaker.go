package client

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/podscale/runpod-node-provider/pkg/metrics"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker rejects a call
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	// StateClosed means requests are allowed through
	StateClosed CircuitBreakerState = "closed"

	// StateOpen means requests are rejected without reaching RunPod
	StateOpen CircuitBreakerState = "open"

	// StateHalfOpen means a limited number of probe requests are allowed
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig configures the circuit breaker behavior
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int `json:"failureThreshold,omitempty"`

	// SuccessThreshold is the number of consecutive successes to close from half-open
	SuccessThreshold int `json:"successThreshold,omitempty"`

	// Timeout is how long to stay open before letting a probe through
	Timeout time.Duration `json:"timeout,omitempty"`

	// MaxHalfOpenRequests is the max concurrent probes in half-open state
	MaxHalfOpenRequests int `json:"maxHalfOpenRequests,omitempty"`

	// OnStateChange is an optional callback invoked asynchronously on transitions
	OnStateChange func(from, to CircuitBreakerState, reason string) `json:"-"`
}

// DefaultCircuitBreakerConfig returns the default circuit breaker configuration
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreakerStats is a point-in-time view of the breaker
type CircuitBreakerStats struct {
	State               CircuitBreakerState
	ConsecutiveFailures int
	ConsecutiveSuccess  int
	LastStateChange     time.Time
	TotalRequests       int64
	TotalFailures       int64
	TotalRejected       int64
}

// CircuitBreaker trips after repeated transport-level or 5xx failures so a
// dead backend fails fast instead of queueing behind the rate limiter.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	logger *zap.Logger

	mu               sync.Mutex
	state            CircuitBreakerState
	failures         int
	successes        int
	halfOpenInFlight int
	lastStateChange  time.Time

	totalRequests int64
	totalFailures int64
	totalRejected int64
}

// NewCircuitBreaker creates a new circuit breaker in the closed state
func NewCircuitBreaker(config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := &CircuitBreaker{
		config:          config,
		logger:          logger,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
	cb.publishState(StateClosed)
	return cb
}

// Call runs fn unless the breaker is open. isFailure decides whether the
// outcome counts against the backend; a nil isFailure treats any error as one.
func (cb *CircuitBreaker) Call(fn func() error, isFailure func(error) bool) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := fn()

	failed := err != nil
	if failed && isFailure != nil {
		failed = isFailure(err)
	}
	cb.afterCall(failed)

	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(cb.lastStateChange) < cb.config.Timeout {
			cb.totalRejected++
			metrics.APICircuitBreakerRejected.Inc()
			return ErrCircuitOpen
		}
		cb.transitionTo(StateHalfOpen, "timeout elapsed")
		cb.halfOpenInFlight++
		return nil

	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.config.MaxHalfOpenRequests {
			cb.totalRejected++
			metrics.APICircuitBreakerRejected.Inc()
			return ErrCircuitOpen
		}
		cb.halfOpenInFlight++
		return nil

	default:
		return fmt.Errorf("unknown circuit breaker state: %s", cb.state)
	}
}

func (cb *CircuitBreaker) afterCall(failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if failed {
		cb.totalFailures++
	}

	switch cb.state {
	case StateClosed:
		if !failed {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen, fmt.Sprintf("failure threshold reached (%d failures)", cb.failures))
		}

	case StateHalfOpen:
		if cb.halfOpenInFlight > 0 {
			cb.halfOpenInFlight--
		}
		if failed {
			cb.transitionTo(StateOpen, "failure in half-open state")
			return
		}
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(StateClosed, fmt.Sprintf("success threshold reached (%d successes)", cb.successes))
		}

	case StateOpen:
		// a call admitted before another one tripped the breaker
	}
}

// transitionTo changes state; caller must hold cb.mu
func (cb *CircuitBreaker) transitionTo(newState CircuitBreakerState, reason string) {
	oldState := cb.state
	if oldState == newState {
		return
	}

	cb.state = newState
	cb.lastStateChange = time.Now()
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenInFlight = 0

	cb.publishState(newState)
	metrics.APICircuitBreakerStateChanges.WithLabelValues(string(oldState), string(newState)).Inc()

	cb.logger.Info("circuit breaker state changed",
		zap.String("from", string(oldState)),
		zap.String("to", string(newState)),
		zap.String("reason", reason))

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(oldState, newState, reason)
	}
}

func (cb *CircuitBreaker) publishState(current CircuitBreakerState) {
	for _, s := range []CircuitBreakerState{StateClosed, StateOpen, StateHalfOpen} {
		v := 0.0
		if s == current {
			v = 1
		}
		metrics.APICircuitBreakerState.WithLabelValues(string(s)).Set(v)
	}
}

// State returns the current circuit breaker state
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns current circuit breaker statistics
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:               cb.state,
		ConsecutiveFailures: cb.failures,
		ConsecutiveSuccess:  cb.successes,
		LastStateChange:     cb.lastStateChange,
		TotalRequests:       cb.totalRequests,
		TotalFailures:       cb.totalFailures,
		TotalRejected:       cb.totalRejected,
	}
}

// Reset forces the breaker back to closed
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateClosed, "reset")
}
