package generation

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

	"github.com/sqlbench/api/internal/llm"
	"github.com/sqlbench/api/internal/models"
	"github.com/sqlbench/api/internal/ratelimit"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newRetrier() *llm.Retrier {
	return llm.NewRetrier(ratelimit.NewAuthorizer(zap.NewNop()), 5*time.Millisecond, 10*time.Millisecond, zap.NewNop())
}

func registryWith(p llm.Promptable) *llm.Registry {
	reg := llm.NewRegistry()
	reg.Register(models.ProviderOpenAI, p)
	reg.Register(models.ProviderGemini, p)
	return reg
}

func fixture() ([]*models.ModelEndpoint, []*models.PromptSpec) {
	sample := models.NewSampleQuery("active users", "SELECT name FROM users WHERE active = 1", "Schema: users(name, active)\nQuestion: {{PROMPT}}")
	prompt := models.NewPromptSpec("names of active users", sample, models.PromptTypeZeroShot)
	endpoints := []*models.ModelEndpoint{
		models.NewModelEndpoint("gpt", models.ProviderOpenAI, "gpt-4o-mini", "sk", 0.0, 1.0),
		models.NewModelEndpoint("gemini", models.ProviderGemini, "gemini-2.0-flash", "key", 0.2, 0.8),
	}
	return endpoints, []*models.PromptSpec{prompt}
}

func TestRun_ProducesOneCandidatePerTriple(t *testing.T) {
	endpoints, prompts := fixture()

	var mu sync.Mutex
	var texts []string
	p := llm.PromptFunc(func(_ context.Context, text, model, _ string, _ float64) (string, error) {
		mu.Lock()
		texts = append(texts, text)
		mu.Unlock()
		return "```sql\nSELECT name FROM users WHERE active = 1\n```", nil
	})

	var completions, started, finished int32
	run := NewRun(Config{PoolSize: 2, Repetitions: 2}, endpoints, prompts, registryWith(p), newRetrier(), Hooks{
		OnStarted:  func(*models.ModelEndpoint) { atomic.AddInt32(&started, 1) },
		OnFinished: func(*models.ModelEndpoint) { atomic.AddInt32(&finished, 1) },
		OnComplete: func() { atomic.AddInt32(&completions, 1) },
	}, zap.NewNop())

	require.NoError(t, run.Execute(context.Background()))
	assert.True(t, run.Completed())
	assert.Equal(t, int32(1), atomic.LoadInt32(&completions))
	assert.Equal(t, int32(4), atomic.LoadInt32(&started))
	assert.Equal(t, int32(4), atomic.LoadInt32(&finished))
	assert.Equal(t, 4, run.TotalJobs())

	cands := run.Candidates()
	require.Equal(t, 4, cands.Len())
	for _, ep := range endpoints {
		got := cands.ByEndpoint(ep.ID)
		require.Len(t, got, 2, ep.Name)
		for _, c := range got {
			assert.Same(t, ep, c.Endpoint)
			assert.Same(t, prompts[0], c.Prompt)
			assert.Equal(t, "SELECT name FROM users WHERE active = 1", c.SQL)
		}
		assert.Equal(t, ep.MinTemperature, got[0].Temperature)
		assert.Equal(t, ep.MaxTemperature, got[1].Temperature)
	}

	for _, text := range texts {
		assert.Equal(t, "Schema: users(name, active)\nQuestion: names of active users", text)
	}
}

func TestRun_CancellationYieldsSubsetWithoutCompletion(t *testing.T) {
	endpoints, prompts := fixture()

	var calls int32
	p := llm.PromptFunc(func(ctx context.Context, _, _, _ string, _ float64) (string, error) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return "SELECT 1", nil
		}
		<-ctx.Done()
		return "", ctx.Err()
	})

	var completions int32
	run := NewRun(Config{PoolSize: 2, Repetitions: 2}, endpoints, prompts, registryWith(p), newRetrier(), Hooks{
		OnComplete: func() { atomic.AddInt32(&completions, 1) },
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for atomic.LoadInt32(&calls) < 3 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	err := run.Execute(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, run.Completed())
	assert.Equal(t, int32(0), atomic.LoadInt32(&completions))
	assert.LessOrEqual(t, run.Candidates().Len(), 4)
	assert.GreaterOrEqual(t, run.Candidates().Len(), 1)
}

func TestRun_ProviderErrorAbandonsOnlyThatJob(t *testing.T) {
	endpoints, prompts := fixture()
	broken := endpoints[1]

	p := llm.PromptFunc(func(_ context.Context, _, model, _ string, _ float64) (string, error) {
		if model == broken.Model {
			return "", &llm.ProviderError{Provider: models.ProviderGemini, Message: "quota project missing"}
		}
		return "SELECT 1", nil
	})

	var completions int32
	run := NewRun(Config{PoolSize: 3, Repetitions: 2}, endpoints, prompts, registryWith(p), newRetrier(), Hooks{
		OnComplete: func() { atomic.AddInt32(&completions, 1) },
	}, zap.NewNop())

	require.NoError(t, run.Execute(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&completions))
	assert.Len(t, run.Candidates().ByEndpoint(endpoints[0].ID), 2)
	assert.Empty(t, run.Candidates().ByEndpoint(broken.ID))
}

func TestRun_RateLimitRetriedAndReported(t *testing.T) {
	endpoints, prompts := fixture()
	endpoints = endpoints[:1]

	var calls int32
	p := llm.PromptFunc(func(context.Context, string, string, string, float64) (string, error) {
		if atomic.AddInt32(&calls, 1) <= 3 {
			return "", &llm.RateLimitError{Provider: models.ProviderOpenAI, RetryAfter: 5 * time.Millisecond}
		}
		return "SELECT 1", nil
	})

	var reported int32
	run := NewRun(Config{PoolSize: 1, Repetitions: 1}, endpoints, prompts, registryWith(p), newRetrier(), Hooks{
		OnRateLimit: func(ep *models.ModelEndpoint, at time.Time) {
			assert.Equal(t, endpoints[0].ID, ep.ID)
			atomic.AddInt32(&reported, 1)
		},
	}, zap.NewNop())

	require.NoError(t, run.Execute(context.Background()))
	assert.Equal(t, 1, run.Candidates().Len())
	assert.Equal(t, int32(3), atomic.LoadInt32(&reported))
	_, _, rateLimits := run.Progress()
	assert.Equal(t, 3, rateLimits)
}

func TestRun_SubstitutionFailureFallsBackToRawText(t *testing.T) {
	endpoints, _ := fixture()
	prompts := []*models.PromptSpec{
		models.NewPromptSpec("no sample attached", nil, models.PromptTypeZeroShot),
		models.NewPromptSpec("two slots", models.NewSampleQuery("bad", "SELECT 1", "{{PROMPT}} and {{PROMPT}}"), models.PromptTypeFewShot),
	}

	var mu sync.Mutex
	seen := map[string]bool{}
	p := llm.PromptFunc(func(_ context.Context, text, _, _ string, _ float64) (string, error) {
		mu.Lock()
		seen[text] = true
		mu.Unlock()
		return "SELECT 1", nil
	})

	run := NewRun(Config{PoolSize: 2, Repetitions: 1}, endpoints[:1], prompts, registryWith(p), newRetrier(), Hooks{}, zap.NewNop())
	require.NoError(t, run.Execute(context.Background()))

	assert.Equal(t, 2, run.Candidates().Len())
	assert.True(t, seen["no sample attached"])
	assert.True(t, seen["two slots"])
}

func TestRun_UnknownProviderAbandonsJobs(t *testing.T) {
	_, prompts := fixture()
	ollama := models.NewModelEndpoint("local", models.ProviderOllama, "llama3", "", 0, 0)

	run := NewRun(Config{PoolSize: 1, Repetitions: 1}, []*models.ModelEndpoint{ollama}, prompts, llm.NewRegistry(), newRetrier(), Hooks{}, zap.NewNop())
	require.NoError(t, run.Execute(context.Background()))
	assert.Zero(t, run.Candidates().Len())
	assert.True(t, run.Completed())
}

func TestTemperature(t *testing.T) {
	ep := &models.ModelEndpoint{MinTemperature: 0.2, MaxTemperature: 1.0}

	assert.InDelta(t, 0.6, Temperature(ep, 0, 1), 1e-12)
	assert.Equal(t, 0.2, Temperature(ep, 0, 5))
	assert.Equal(t, 1.0, Temperature(ep, 4, 5))
	assert.InDelta(t, 0.6, Temperature(ep, 2, 5), 1e-9)
	assert.InDelta(t, 0.4, Temperature(ep, 1, 5), 1e-9)

	flat := &models.ModelEndpoint{MinTemperature: 0.7, MaxTemperature: 0.7}
	assert.Equal(t, 0.7, Temperature(flat, 1, 3))
}

func TestStripFences(t *testing.T) {
	cases := map[string]string{
		"SELECT 1":                     "SELECT 1",
		"```sql\nSELECT 1\n```":        "SELECT 1",
		"  ```SQL\nSELECT 1;\n```  \n": "SELECT 1;",
		"```sql SELECT 1":              "SELECT 1",
		"SELECT 1\n```":                "SELECT 1",
		"```\nSELECT 1\n```":           "```\nSELECT 1",
	}
	for in, want := range cases {
		assert.Equal(t, want, StripFences(in), "%q", in)
	}
}
