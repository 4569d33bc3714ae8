package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDispatch_RunsEveryJobAndCompletesOnce(t *testing.T) {
	var completions int32
	d := New("test", 3, zap.NewNop(), WithCompletion(func() {
		atomic.AddInt32(&completions, 1)
	}))

	var ran int32
	err := d.Dispatch(context.Background(), func(p *Pool) error {
		for i := 0; i < 10; i++ {
			if err := p.Submit(func(ctx context.Context) {
				atomic.AddInt32(&ran, 1)
			}); err != nil {
				return err
			}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(10), atomic.LoadInt32(&ran))
	assert.Equal(t, int32(1), atomic.LoadInt32(&completions))
}

func TestDispatch_CompletionFiresOnceAcrossReuse(t *testing.T) {
	var completions int32
	d := New("test", 1, zap.NewNop(), WithCompletion(func() {
		atomic.AddInt32(&completions, 1)
	}))

	noop := func(p *Pool) error { return nil }
	require.NoError(t, d.Dispatch(context.Background(), noop))
	require.NoError(t, d.Dispatch(context.Background(), noop))
	assert.Equal(t, int32(1), atomic.LoadInt32(&completions))
}

func TestDispatch_EmptyBatchCompletes(t *testing.T) {
	done := make(chan struct{})
	d := New("empty", 2, zap.NewNop(), WithCompletion(func() { close(done) }))

	require.NoError(t, d.Dispatch(context.Background(), func(p *Pool) error { return nil }))
	select {
	case <-done:
	default:
		t.Fatal("completion not signalled")
	}
}

func TestDispatch_NeverExceedsPoolSize(t *testing.T) {
	const size = 2
	d := New("bounded", size, zap.NewNop())

	var active, peak int32
	err := d.Dispatch(context.Background(), func(p *Pool) error {
		for i := 0; i < 12; i++ {
			if err := p.Submit(func(ctx context.Context) {
				n := atomic.AddInt32(&active, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
			}); err != nil {
				return err
			}
		}
		return nil
	})

	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(size))
}

func TestNew_RaisesPoolSizeToOne(t *testing.T) {
	d := New("tiny", 0, zap.NewNop())
	assert.Equal(t, 1, d.PoolSize())
	assert.Equal(t, "tiny", d.Name())
}

func TestDispatch_CancellationSuppressesCompletion(t *testing.T) {
	var completions int32
	d := New("cancel", 1, zap.NewNop(), WithCompletion(func() {
		atomic.AddInt32(&completions, 1)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once

	errCh := make(chan error, 1)
	var ran int32
	go func() {
		errCh <- d.Dispatch(ctx, func(p *Pool) error {
			for i := 0; i < 5; i++ {
				if err := p.Submit(func(jobCtx context.Context) {
					atomic.AddInt32(&ran, 1)
					once.Do(func() { close(started) })
					<-jobCtx.Done()
				}); err != nil {
					return err
				}
			}
			return nil
		})
	}()

	<-started
	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not return after cancellation")
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&completions))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran), "queued jobs must be abandoned")
}

func TestDispatch_DrainTimeout(t *testing.T) {
	var completions int32
	d := New("slow", 1, zap.NewNop(),
		WithDrainTimeout(30*time.Millisecond),
		WithCompletion(func() { atomic.AddInt32(&completions, 1) }),
	)

	err := d.Dispatch(context.Background(), func(p *Pool) error {
		return p.Submit(func(ctx context.Context) {
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		})
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDrainTimeout)
	assert.Equal(t, int32(0), atomic.LoadInt32(&completions))
}

func TestDispatch_SubmitErrorSuppressesCompletion(t *testing.T) {
	var completions int32
	d := New("broken", 1, zap.NewNop(), WithCompletion(func() {
		atomic.AddInt32(&completions, 1)
	}))

	boom := errors.New("bad input")
	err := d.Dispatch(context.Background(), func(p *Pool) error { return boom })

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(0), atomic.LoadInt32(&completions))
}

func TestDispatch_PreCancelledContextRunsNothing(t *testing.T) {
	d := New("late", 1, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran int32
	err := d.Dispatch(ctx, func(p *Pool) error {
		for i := 0; i < 3; i++ {
			if err := p.Submit(func(context.Context) {
				atomic.AddInt32(&ran, 1)
			}); err != nil {
				return err
			}
		}
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
}
