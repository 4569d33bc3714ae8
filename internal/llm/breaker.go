package llm

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sqlbench/api/internal/models"
)

// ErrCircuitOpen is wrapped by the ProviderError returned while a breaker rejects calls
var ErrCircuitOpen = errors.New("circuit open")

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, reject calls
	CircuitHalfOpen                     // Testing if recovered
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	}
	return "closed"
}

// Breaker is a Promptable that stops calling a failing provider.
// Rate-limit responses mean the provider is healthy, so they never count as failures.
type Breaker struct {
	next     Promptable
	provider models.ProviderKind
	logger   *zap.Logger

	mu              sync.Mutex
	state           CircuitState
	failures        int
	successes       int
	lastFailureTime time.Time

	// Configuration
	FailureThreshold int           // Consecutive failures before opening
	SuccessThreshold int           // Half-open successes before closing
	Timeout          time.Duration // How long to stay open before half-open
	OnStateChange    func(from, to CircuitState)
}

// NewBreaker wraps next with the default thresholds
func NewBreaker(next Promptable, provider models.ProviderKind, logger *zap.Logger) *Breaker {
	return &Breaker{
		next:             next,
		provider:         provider,
		logger:           logger,
		state:            CircuitClosed,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// State returns the current state
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Prompt forwards to the wrapped provider unless the circuit is open
func (b *Breaker) Prompt(ctx context.Context, text, model, credentials string, temperature float64) (string, error) {
	if !b.allow() {
		return "", &ProviderError{Provider: b.provider, Message: "provider temporarily unavailable", Err: ErrCircuitOpen}
	}

	out, err := b.next.Prompt(ctx, text, model, credentials, temperature)
	switch {
	case err == nil, IsRateLimit(err):
		b.recordSuccess()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Caller gave up; says nothing about provider health
	default:
		b.recordFailure()
	}
	return out, err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if time.Since(b.lastFailureTime) > b.Timeout {
			b.setState(CircuitHalfOpen)
			return true
		}
	}
	return false
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitHalfOpen:
		b.successes++
		if b.successes >= b.SuccessThreshold {
			b.setState(CircuitClosed)
			b.failures = 0
			b.successes = 0
		}
	case CircuitClosed:
		b.failures = 0
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailureTime = time.Now()

	switch b.state {
	case CircuitClosed:
		if b.failures >= b.FailureThreshold {
			b.setState(CircuitOpen)
		}
	case CircuitHalfOpen:
		b.setState(CircuitOpen)
		b.successes = 0
	}
}

func (b *Breaker) setState(newState CircuitState) {
	if b.state == newState {
		return
	}
	b.logger.Warn("provider circuit state changed",
		zap.String("provider", string(b.provider)),
		zap.Stringer("from", b.state),
		zap.Stringer("to", newState),
	)
	if b.OnStateChange != nil {
		b.OnStateChange(b.state, newState)
	}
	b.state = newState
}
