package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"suimessenger/pkg/logger"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// ErrCircuitOpen is returned without invoking the operation while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds breaker thresholds
type Config struct {
	MaxFailures int
	Cooldown    time.Duration
}

// DefaultConfig returns default circuit breaker settings
func DefaultConfig() Config {
	return Config{
		MaxFailures: 3,
		Cooldown:    10 * time.Second,
	}
}

var (
	breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "endpoint_circuit_breaker_state",
		Help: "State of endpoint circuit breakers (0=closed, 1=half_open, 2=open)",
	}, []string{"endpoint"})
	breakerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "endpoint_errors_total",
		Help: "Endpoint failures by class",
	}, []string{"endpoint", "error_type"})
	registerOnce sync.Once
)

func register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(breakerState, breakerErrors)
	})
}

// Breaker guards a single endpoint. It never retries: callers fall back to the next endpoint instead.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
}

// NewBreaker creates a breaker for the named endpoint
func NewBreaker(name string, cfg Config) *Breaker {
	register()
	if cfg.MaxFailures <= 0 {
		cfg = DefaultConfig()
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		now:   time.Now,
		state: CircuitBreakerClosed,
	}
}

// Do runs fn once unless the breaker is open. Errors for which ignore returns true
// (for example a clean not-found) count as successes for breaker bookkeeping.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error, ignore func(error) bool) error {
	if !b.allow() {
		breakerErrors.WithLabelValues(b.name, "circuit_breaker").Inc()
		return ErrCircuitOpen
	}

	err := fn(ctx)
	if err == nil || (ignore != nil && ignore(err)) {
		b.onSuccess()
		return err
	}

	// The caller gave up; that says nothing about the endpoint's health.
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	b.onFailure(err)
	return err
}

// State returns the current breaker state
func (b *Breaker) State() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the breaker
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(CircuitBreakerClosed)
	b.consecutiveFailures = 0
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != CircuitBreakerOpen {
		return true
	}
	if b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.setState(CircuitBreakerHalfOpen)
		logger.Warn("Endpoint circuit breaker HALF-OPEN - allowing probe", zap.String("endpoint", b.name))
		return true
	}
	return false
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != CircuitBreakerClosed {
		logger.Info("Endpoint circuit breaker CLOSED - recovered", zap.String("endpoint", b.name))
	}
	b.consecutiveFailures = 0
	b.setState(CircuitBreakerClosed)
}

func (b *Breaker) onFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	breakerErrors.WithLabelValues(b.name, classifyError(err)).Inc()

	if b.state == CircuitBreakerHalfOpen || b.consecutiveFailures >= b.cfg.MaxFailures {
		if b.state != CircuitBreakerOpen {
			logger.Error("Endpoint circuit breaker OPEN - too many consecutive failures",
				zap.String("endpoint", b.name),
				zap.Int("consecutive_failures", b.consecutiveFailures),
				zap.Error(err),
			)
		}
		b.openedAt = b.now()
		b.setState(CircuitBreakerOpen)
	}
}

// setState must be called with mu held
func (b *Breaker) setState(state CircuitBreakerState) {
	b.state = state
	switch state {
	case CircuitBreakerClosed:
		breakerState.WithLabelValues(b.name).Set(0)
	case CircuitBreakerHalfOpen:
		breakerState.WithLabelValues(b.name).Set(1)
	case CircuitBreakerOpen:
		breakerState.WithLabelValues(b.name).Set(2)
	}
}

// classifyError classifies errors for metrics
func classifyError(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "status 5"):
		return "server"
	case strings.Contains(errMsg, "permission denied") || strings.Contains(errMsg, "access denied"):
		return "permission"
	default:
		return "unknown"
	}
}
