// Package dispatch runs a batch of jobs on a bounded worker pool and reports how the batch ended.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sqlbench/api/internal/metrics"
)

// ErrDrainTimeout is returned when submitted jobs do not finish within the drain ceiling
var ErrDrainTimeout = errors.New("pool drain timed out")

// Job is one unit of dispatched work. It must return promptly once ctx is done.
type Job func(ctx context.Context)

// Pool executes submitted jobs on at most size goroutines
type Pool struct {
	ctx   context.Context
	eg    *errgroup.Group
	slots chan struct{}
}

// Context returns the pool's context; it is done once the run is cancelled or torn down
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Submit blocks until a worker slot is free, then starts job on it.
// Returns the context error if the pool is torn down first.
func (p *Pool) Submit(job Job) error {
	select {
	case p.slots <- struct{}{}:
	case <-p.ctx.Done():
		return p.ctx.Err()
	}

	p.eg.Go(func() error {
		defer func() { <-p.slots }()
		// Jobs queued behind a cancellation are abandoned unstarted
		if p.ctx.Err() != nil {
			return nil
		}
		job(p.ctx)
		return nil
	})
	return nil
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithDrainTimeout bounds how long Dispatch waits for submitted jobs. Zero waits forever.
func WithDrainTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.drainTimeout = d }
}

// WithCompletion sets the signal invoked once after a fully successful drain
func WithCompletion(fn func()) Option {
	return func(disp *Dispatcher) { disp.onComplete = fn }
}

// Dispatcher owns a bounded worker pool for one batch of jobs
type Dispatcher struct {
	name         string
	poolSize     int
	drainTimeout time.Duration
	onComplete   func()
	once         sync.Once
	logger       *zap.Logger
}

// New creates a dispatcher. Pool sizes below one are raised to one.
func New(name string, poolSize int, logger *zap.Logger, opts ...Option) *Dispatcher {
	if poolSize < 1 {
		poolSize = 1
	}
	d := &Dispatcher{
		name:     name,
		poolSize: poolSize,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns the dispatcher's identity
func (d *Dispatcher) Name() string {
	return d.name
}

// PoolSize returns the configured maximum parallelism
func (d *Dispatcher) PoolSize() int {
	return d.poolSize
}

// Dispatch calls submit to feed jobs into a fresh pool, then waits for the pool to drain.
//
// On success the completion signal fires exactly once and nil is returned. If ctx is
// cancelled, queued jobs are abandoned, Dispatch returns once running jobs have observed
// the cancellation, and the returned error wraps ctx.Err(). If the drain ceiling passes,
// the pool is torn down without waiting and the error wraps ErrDrainTimeout. The
// completion signal never fires in either case.
func (d *Dispatcher) Dispatch(ctx context.Context, submit func(p *Pool) error) error {
	ctx, span := otel.Tracer("sqlbench/dispatch").Start(ctx, "dispatch."+d.name)
	span.SetAttributes(attribute.Int("pool_size", d.poolSize))
	defer span.End()

	metrics.ActiveRuns.WithLabelValues(d.name).Inc()
	defer metrics.ActiveRuns.WithLabelValues(d.name).Dec()

	runCtx, teardown := context.WithCancel(ctx)
	defer teardown()

	eg, egCtx := errgroup.WithContext(runCtx)
	pool := &Pool{
		ctx:   egCtx,
		eg:    eg,
		slots: make(chan struct{}, d.poolSize),
	}

	submitErr := submit(pool)

	drained := make(chan struct{})
	go func() {
		_ = eg.Wait()
		close(drained)
	}()

	var timeout <-chan time.Time
	if d.drainTimeout > 0 {
		timer := time.NewTimer(d.drainTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-drained:
	case <-ctx.Done():
		teardown()
		<-drained
	case <-timeout:
		teardown()
		d.logger.Error("pool drain timed out",
			zap.String("dispatcher", d.name),
			zap.Duration("timeout", d.drainTimeout),
		)
		span.SetStatus(codes.Error, ErrDrainTimeout.Error())
		return fmt.Errorf("%s: %w", d.name, ErrDrainTimeout)
	}

	if err := ctx.Err(); err != nil {
		d.logger.Info("dispatch cancelled", zap.String("dispatcher", d.name))
		span.SetStatus(codes.Error, "cancelled")
		return fmt.Errorf("%s cancelled: %w", d.name, err)
	}
	if submitErr != nil {
		span.SetStatus(codes.Error, submitErr.Error())
		return fmt.Errorf("%s submit: %w", d.name, submitErr)
	}

	d.once.Do(func() {
		if d.onComplete != nil {
			d.onComplete()
		}
	})
	return nil
}
