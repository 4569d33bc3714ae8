package llm

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/sqlbench/api/internal/models"
)

const systemPrompt = "You translate questions into a single SQL statement. Reply with the statement only."

// OpenAIProvider serves OpenAI and OpenAI-compatible chat completion APIs
type OpenAIProvider struct {
	baseURL string
	logger  *zap.Logger

	mu      sync.Mutex
	clients map[string]*openai.Client
}

// NewOpenAIProvider creates a provider. An empty baseURL uses the public OpenAI API.
func NewOpenAIProvider(baseURL string, logger *zap.Logger) *OpenAIProvider {
	return &OpenAIProvider{
		baseURL: baseURL,
		logger:  logger,
		clients: make(map[string]*openai.Client),
	}
}

func (p *OpenAIProvider) client(credentials string) *openai.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[credentials]; ok {
		return c
	}
	cfg := openai.DefaultConfig(credentials)
	if p.baseURL != "" {
		cfg.BaseURL = p.baseURL
	}
	c := openai.NewClientWithConfig(cfg)
	p.clients[credentials] = c
	return c
}

// Prompt sends text as a single user message
func (p *OpenAIProvider) Prompt(ctx context.Context, text, model, credentials string, temperature float64) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Temperature: float32(temperature),
	}

	resp, err := p.client(credentials).CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		p.logger.Warn("openai returned no choices", zap.String("model", model))
		return "", &ProviderError{Provider: models.ProviderOpenAI, Message: "no choices returned"}
	}
	return resp.Choices[0].Message.Content, nil
}

func classifyOpenAIError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return &RateLimitError{Provider: models.ProviderOpenAI, Err: err}
		}
		return &ProviderError{Provider: models.ProviderOpenAI, Message: apiErr.Message, Err: err}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return &RateLimitError{Provider: models.ProviderOpenAI, Err: err}
	}
	return &ProviderError{Provider: models.ProviderOpenAI, Message: "chat completion failed", Err: err}
}
