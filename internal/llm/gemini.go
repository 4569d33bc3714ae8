package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/sqlbench/api/internal/models"
)

const retryInfoType = "type.googleapis.com/google.rpc.RetryInfo"

// GeminiProvider serves Google's Gemini API
type GeminiProvider struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// NewGeminiProvider creates a provider
func NewGeminiProvider(logger *zap.Logger) *GeminiProvider {
	return &GeminiProvider{
		logger:  logger,
		clients: make(map[string]*genai.Client),
	}
}

func (p *GeminiProvider) client(ctx context.Context, credentials string) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[credentials]; ok {
		return c, nil
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  credentials,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	p.clients[credentials] = c
	return c, nil
}

// Prompt sends text as a single user turn
func (p *GeminiProvider) Prompt(ctx context.Context, text, model, credentials string, temperature float64) (string, error) {
	client, err := p.client(ctx, credentials)
	if err != nil {
		return "", &ProviderError{Provider: models.ProviderGemini, Message: "failed to create client", Err: err}
	}

	temp := float32(temperature)
	resp, err := client.Models.GenerateContent(ctx, model, genai.Text(text), &genai.GenerateContentConfig{
		Temperature:       &temp,
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
	})
	if err != nil {
		return "", classifyGeminiError(err)
	}

	out := resp.Text()
	if out == "" {
		p.logger.Warn("gemini returned empty content", zap.String("model", model))
		return "", &ProviderError{Provider: models.ProviderGemini, Message: "empty response"}
	}
	return out, nil
}

func classifyGeminiError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		var ptr *genai.APIError
		if !errors.As(err, &ptr) || ptr == nil {
			return &ProviderError{Provider: models.ProviderGemini, Message: "generate content failed", Err: err}
		}
		apiErr = *ptr
	}

	if apiErr.Code == http.StatusTooManyRequests || apiErr.Status == "RESOURCE_EXHAUSTED" {
		return &RateLimitError{
			Provider:   models.ProviderGemini,
			RetryAfter: retryDelay(apiErr.Details),
			Err:        err,
		}
	}
	return &ProviderError{Provider: models.ProviderGemini, Message: apiErr.Message, Err: err}
}

// retryDelay extracts the server hint from a google.rpc.RetryInfo detail, e.g. "17s"
func retryDelay(details []map[string]any) time.Duration {
	for _, d := range details {
		if t, _ := d["@type"].(string); t != retryInfoType {
			continue
		}
		raw, _ := d["retryDelay"].(string)
		delay, err := time.ParseDuration(strings.TrimSpace(raw))
		if err == nil && delay > 0 {
			return delay
		}
	}
	return 0
}
