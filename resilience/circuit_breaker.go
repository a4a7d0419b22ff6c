package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/barrhawk/labcore/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrorClassifier determines which errors count as failures
type ErrorClassifier func(error) bool

// DefaultErrorClassifier only counts infrastructure errors, not user errors.
// Validation failures and context cancellation never trip the breaker.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsValidation(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker in logs and metrics
	Name string

	// FailureThreshold is the number of consecutive counted failures
	// before the circuit opens
	FailureThreshold int

	// SleepWindow is how long to wait before entering half-open state
	SleepWindow time.Duration

	// HalfOpenRequests is the number of test requests allowed in
	// half-open state; all must succeed to close
	HalfOpenRequests int

	// ErrorClassifier determines which errors count as failures
	ErrorClassifier ErrorClassifier

	// Logger for state change events
	Logger core.Logger
}

// DefaultCircuitBreakerConfig returns production-ready defaults.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 3,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
	}
}

// CircuitBreaker protects a downstream dependency from cascading failure.
// Closed: requests pass through. Open: requests fail immediately with
// core.ErrCircuitBreakerOpen. Half-open: a bounded number of probes run;
// any failure reopens, a full quota of successes closes.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	halfOpenInUse   int
	halfOpenSuccess int
	openedAt        time.Time

	totalExecutions    uint64
	rejectedExecutions uint64
	stateTransitions   uint64
}

// NewCircuitBreaker creates a circuit breaker from config.
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	return &CircuitBreaker{config: config, state: StateClosed}
}

// Execute runs fn with circuit breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.acquire() {
		return core.ErrCircuitBreakerOpen
	}
	err := fn()
	cb.record(err)
	return err
}

// ExecuteWithTimeout runs fn with both protection and a deadline.
func (cb *CircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	if !cb.acquire() {
		return core.ErrCircuitBreakerOpen
	}

	done := make(chan error, 1)
	go func() { done <- fn() }()

	var err error
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err = <-done:
	case <-timer.C:
		err = core.ErrTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}
	cb.record(err)
	return err
}

// acquire decides whether an execution may proceed and reserves a
// half-open probe slot when applicable.
func (cb *CircuitBreaker) acquire() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalExecutions++
	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.config.SleepWindow {
			cb.transition(StateHalfOpen)
			cb.halfOpenInUse = 1
			return true
		}
		cb.rejectedExecutions++
		return false
	case StateHalfOpen:
		if cb.halfOpenInUse < cb.config.HalfOpenRequests {
			cb.halfOpenInUse++
			return true
		}
		cb.rejectedExecutions++
		return false
	}
	return false
}

func (cb *CircuitBreaker) record(err error) {
	counted := err != nil && cb.config.ErrorClassifier(err)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		if counted {
			cb.failureCount++
			if cb.failureCount >= cb.config.FailureThreshold {
				cb.transition(StateOpen)
				cb.openedAt = time.Now()
			}
		} else if err == nil {
			cb.failureCount = 0
		}
	case StateHalfOpen:
		if counted {
			cb.transition(StateOpen)
			cb.openedAt = time.Now()
			cb.halfOpenInUse = 0
			cb.halfOpenSuccess = 0
		} else if err == nil {
			cb.halfOpenSuccess++
			if cb.halfOpenSuccess >= cb.config.HalfOpenRequests {
				cb.transition(StateClosed)
				cb.failureCount = 0
				cb.halfOpenInUse = 0
				cb.halfOpenSuccess = 0
			}
		}
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.stateTransitions++
	cb.config.Logger.Info("Circuit breaker state change", map[string]interface{}{
		"breaker": cb.config.Name,
		"from":    from.String(),
		"to":      to.String(),
	})
}

// GetState returns the current state as a string.
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// CanExecute reports whether an execution would be allowed, without
// reserving a slot.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		return time.Since(cb.openedAt) >= cb.config.SleepWindow
	case StateHalfOpen:
		return cb.halfOpenInUse < cb.config.HalfOpenRequests
	}
	return false
}

// GetMetrics returns current counters for monitoring.
func (cb *CircuitBreaker) GetMetrics() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]interface{}{
		"name":                cb.config.Name,
		"state":               cb.state.String(),
		"failure_count":       cb.failureCount,
		"total_executions":    cb.totalExecutions,
		"rejected_executions": cb.rejectedExecutions,
		"state_transitions":   cb.stateTransitions,
	}
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	cb.failureCount = 0
	cb.halfOpenInUse = 0
	cb.halfOpenSuccess = 0
}
