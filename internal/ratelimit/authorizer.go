package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sqlbench/api/internal/metrics"
)

// Authorizer is a process-wide registry of "prompt again no earlier than" deadlines,
// keyed by endpoint id. Deadlines only ever move forward.
type Authorizer struct {
	mu        sync.Mutex
	deadlines map[uuid.UUID]time.Time
	// updated holds one channel per endpoint with waiters; it is closed and
	// dropped whenever that endpoint's deadline is extended.
	updated map[uuid.UUID]chan struct{}
	logger  *zap.Logger
}

// NewAuthorizer creates an empty registry
func NewAuthorizer(logger *zap.Logger) *Authorizer {
	return &Authorizer{
		deadlines: make(map[uuid.UUID]time.Time),
		updated:   make(map[uuid.UUID]chan struct{}),
		logger:    logger,
	}
}

// Register stores at as the endpoint's deadline unless the existing deadline is
// already equal or later. Reports whether the deadline moved.
func (a *Authorizer) Register(endpointID uuid.UUID, at time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if current, ok := a.deadlines[endpointID]; ok && !current.Before(at) {
		return false
	}
	a.deadlines[endpointID] = at

	if ch, ok := a.updated[endpointID]; ok {
		close(ch)
		delete(a.updated, endpointID)
	}

	metrics.DeadlineExtensions.Inc()
	a.logger.Debug("rate-limit deadline extended",
		zap.String("endpoint_id", endpointID.String()),
		zap.Time("deadline", at),
	)
	return true
}

// Deadline returns the registered deadline for an endpoint
func (a *Authorizer) Deadline(endpointID uuid.UUID) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	at, ok := a.deadlines[endpointID]
	return at, ok
}

// Wait blocks until no deadline is registered for the endpoint or the registered
// deadline has passed. A deadline extended while waiting is picked up without
// restarting. Returns ctx.Err() if the context ends first.
func (a *Authorizer) Wait(ctx context.Context, endpointID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var start time.Time
	for {
		a.mu.Lock()
		deadline, ok := a.deadlines[endpointID]
		now := time.Now()
		if !ok || !now.Before(deadline) {
			a.mu.Unlock()
			if !start.IsZero() {
				metrics.AuthorizationWait.Observe(time.Since(start).Seconds())
			}
			return nil
		}
		ch, ok := a.updated[endpointID]
		if !ok {
			ch = make(chan struct{})
			a.updated[endpointID] = ch
		}
		a.mu.Unlock()

		if start.IsZero() {
			start = now
		}

		timer := time.NewTimer(deadline.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-ch:
			timer.Stop()
		case <-timer.C:
		}
	}
}
