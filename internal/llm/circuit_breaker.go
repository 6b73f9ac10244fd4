package llm

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned when the circuit breaker is in open state
// and rejects requests to prevent cascading failures.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds the configuration for the circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the breaker in logs (default: "llm").
	Name string

	// MaxFailures is the number of consecutive failures required to trip the circuit.
	// Default: 3
	MaxFailures uint32

	// Timeout is the duration the circuit stays open before transitioning to half-open.
	// Default: 30 seconds
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of consecutive successes required in half-open
	// state to close the circuit again.
	// Default: 2
	HalfOpenMaxSuccesses uint32

	Logger *zap.Logger
}

// CircuitBreakerMetrics holds metrics about circuit breaker operations.
type CircuitBreakerMetrics struct {
	TotalRequests        uint64
	TotalSuccesses       uint64
	TotalFailures        uint64
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreaker wraps gobreaker to protect LLM calls from cascading failures.
//
// When closed (normal operation), requests pass through normally.
// After MaxFailures consecutive failures, the circuit opens and rejects all requests.
// After Timeout duration, the circuit transitions to half-open and allows test requests.
// After HalfOpenMaxSuccesses successes in half-open state, the circuit closes again.
type CircuitBreaker struct {
	breaker *gobreaker.CircuitBreaker
	config  CircuitBreakerConfig
	mu      sync.RWMutex
	metrics CircuitBreakerMetrics
}

// NewCircuitBreaker creates a circuit breaker with the default configuration.
func NewCircuitBreaker(name string) *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CircuitBreakerConfig{Name: name})
}

// NewCircuitBreakerWithConfig creates a new circuit breaker with custom configuration.
// Zero fields take their defaults.
func NewCircuitBreakerWithConfig(config CircuitBreakerConfig) *CircuitBreaker {
	if config.Name == "" {
		config.Name = "llm"
	}
	if config.MaxFailures == 0 {
		config.MaxFailures = 3
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HalfOpenMaxSuccesses == 0 {
		config.HalfOpenMaxSuccesses = 2
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	cb := &CircuitBreaker{config: config}
	log := config.Logger.Named("breaker")

	cb.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.HalfOpenMaxSuccesses,
		Interval:    0, // Don't clear counts periodically
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("circuit state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return cb
}

// Execute runs fn through the circuit breaker. If the circuit is open it
// returns ErrCircuitOpen immediately.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() (string, error)) (string, error) {
	if err := ctx.Err(); err != nil {
		cb.recordFailure()
		return "", err
	}

	result, err := cb.breaker.Execute(func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return fn()
	})
	if err != nil {
		cb.recordFailure()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", errors.Wrapf(ErrCircuitOpen, "%s", cb.config.Name)
		}
		return "", err
	}
	cb.recordSuccess()
	return result.(string), nil
}

// State returns the current state of the circuit breaker.
// Possible values: "closed", "open", "half-open"
func (cb *CircuitBreaker) State() string {
	switch cb.breaker.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Metrics returns the current metrics for the circuit breaker.
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	counts := cb.breaker.Counts()
	return CircuitBreakerMetrics{
		TotalRequests:        cb.metrics.TotalRequests,
		TotalSuccesses:       cb.metrics.TotalSuccesses,
		TotalFailures:        cb.metrics.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.metrics.TotalRequests++
	cb.metrics.TotalSuccesses++
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.metrics.TotalRequests++
	cb.metrics.TotalFailures++
}
