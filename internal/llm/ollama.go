package llm

import (
	"context"
	"errors"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"go.uber.org/zap"

	"github.com/sqlbench/api/internal/models"
)

// OllamaProvider serves locally hosted models. Ollama has no rate limits,
// so every failure is a ProviderError.
type OllamaProvider struct {
	serverURL string
	logger    *zap.Logger

	mu     sync.Mutex
	models map[string]*ollama.LLM
}

// NewOllamaProvider creates a provider for the Ollama server at serverURL
func NewOllamaProvider(serverURL string, logger *zap.Logger) *OllamaProvider {
	return &OllamaProvider{
		serverURL: serverURL,
		logger:    logger,
		models:    make(map[string]*ollama.LLM),
	}
}

func (p *OllamaProvider) llm(model string) (*ollama.LLM, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if m, ok := p.models[model]; ok {
		return m, nil
	}
	opts := []ollama.Option{ollama.WithModel(model)}
	if p.serverURL != "" {
		opts = append(opts, ollama.WithServerURL(p.serverURL))
	}
	m, err := ollama.New(opts...)
	if err != nil {
		return nil, err
	}
	p.models[model] = m
	return m, nil
}

// Prompt sends text to the model; credentials are ignored
func (p *OllamaProvider) Prompt(ctx context.Context, text, model, _ string, temperature float64) (string, error) {
	m, err := p.llm(model)
	if err != nil {
		return "", &ProviderError{Provider: models.ProviderOllama, Message: "failed to create client", Err: err}
	}

	out, err := llms.GenerateFromSinglePrompt(ctx, m, systemPrompt+"\n\n"+text, llms.WithTemperature(temperature))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		p.logger.Debug("ollama call failed", zap.String("model", model), zap.Error(err))
		return "", &ProviderError{Provider: models.ProviderOllama, Message: "generate failed", Err: err}
	}
	return out, nil
}
