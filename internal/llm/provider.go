// Package llm talks to the model providers that turn prompts into SQL and judge similarity.
package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sqlbench/api/internal/models"
)

// Promptable sends one prompt to a provider and returns the reply text.
// Failures are *RateLimitError or *ProviderError.
type Promptable interface {
	Prompt(ctx context.Context, text, model, credentials string, temperature float64) (string, error)
}

// PromptFunc adapts a plain function to Promptable
type PromptFunc func(ctx context.Context, text, model, credentials string, temperature float64) (string, error)

func (f PromptFunc) Prompt(ctx context.Context, text, model, credentials string, temperature float64) (string, error) {
	return f(ctx, text, model, credentials, temperature)
}

// Resolver maps an endpoint to the capability that serves it
type Resolver interface {
	Resolve(endpoint *models.ModelEndpoint) (Promptable, error)
}

// Registry resolves endpoints by provider kind. With breakers enabled every endpoint gets
// its own circuit breaker around the shared provider, so one endpoint's failures never
// fail fast another endpoint of the same kind.
type Registry struct {
	mu        sync.Mutex
	providers map[models.ProviderKind]Promptable
	breakers  map[uuid.UUID]*Breaker
	logger    *zap.Logger
}

// NewRegistry creates an empty registry without breakers
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[models.ProviderKind]Promptable),
		breakers:  make(map[uuid.UUID]*Breaker),
	}
}

// UseBreakers wraps every resolved endpoint in a per-endpoint circuit breaker
func (r *Registry) UseBreakers(logger *zap.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// Register binds a provider kind to a capability, replacing any previous binding
func (r *Registry) Register(kind models.ProviderKind, p Promptable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[kind] = p
	for id, b := range r.breakers {
		if b.provider == kind {
			delete(r.breakers, id)
		}
	}
}

// Resolve returns the capability for the endpoint's provider kind
func (r *Registry) Resolve(endpoint *models.ModelEndpoint) (Promptable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[endpoint.Provider]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q", endpoint.Provider)
	}
	if r.logger == nil {
		return p, nil
	}
	b, ok := r.breakers[endpoint.ID]
	if !ok {
		b = NewBreaker(p, endpoint.Provider, r.logger.With(zap.String("endpoint", endpoint.Name)))
		r.breakers[endpoint.ID] = b
	}
	return b, nil
}

// Kinds lists the registered provider kinds
func (r *Registry) Kinds() []models.ProviderKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]models.ProviderKind, 0, len(r.providers))
	for k := range r.providers {
		kinds = append(kinds, k)
	}
	return kinds
}

// NewDefaultRegistry registers every supported vendor with per-endpoint circuit breakers.
// Credentials travel on the endpoint, so no keys are needed here.
func NewDefaultRegistry(openAIBaseURL, ollamaURL string, logger *zap.Logger) *Registry {
	r := NewRegistry()
	r.UseBreakers(logger)
	r.Register(models.ProviderOpenAI, NewOpenAIProvider(openAIBaseURL, logger))
	r.Register(models.ProviderGemini, NewGeminiProvider(logger))
	r.Register(models.ProviderOllama, NewOllamaProvider(ollamaURL, logger))
	return r
}
