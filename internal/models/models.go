package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PromptPlaceholder marks where a prompt's text is spliced into a sample query's context template
const PromptPlaceholder = "{{PROMPT}}"

var (
	ErrMissingSampleQuery = errors.New("prompt has no sample query")
	ErrEmptyTemplate      = errors.New("context template is empty")
	ErrPlaceholderCount   = errors.New("context template must contain exactly one placeholder")
)

// ProviderKind identifies the vendor API behind a model endpoint
type ProviderKind string

const (
	ProviderOpenAI ProviderKind = "openai"
	ProviderGemini ProviderKind = "gemini"
	ProviderOllama ProviderKind = "ollama"
)

// IsValid reports whether the kind names a supported provider
func (k ProviderKind) IsValid() bool {
	switch k {
	case ProviderOpenAI, ProviderGemini, ProviderOllama:
		return true
	}
	return false
}

// ModelEndpoint is a configured provider/model combination.
// Rate-limit bookkeeping and candidate attribution key on ID, never on field values.
type ModelEndpoint struct {
	ID       uuid.UUID    `json:"id"`
	Name     string       `json:"name"`
	Provider ProviderKind `json:"provider"`
	Model    string       `json:"model"`

	// Credentials is the provider API key. Never serialized or logged.
	Credentials string `json:"-"`

	// Sampling range swept across repetitions
	MinTemperature float64 `json:"min_temperature"`
	MaxTemperature float64 `json:"max_temperature"`
}

// endpointNamespace scopes the name-based UUIDs of configured endpoints
var endpointNamespace = uuid.MustParse("6f1c2b0e-5d8a-4c3e-9a41-2f7d9b8e0c15")

// ConfiguredEndpointID derives the identity of a configured endpoint. The same
// name, provider, model and credential source always yield the same ID, so every run
// against that endpoint shares its rate-limit deadline and circuit breaker.
func ConfiguredEndpointID(name string, provider ProviderKind, model, credentialSource string) uuid.UUID {
	key := strings.Join([]string{name, string(provider), model, credentialSource}, "\x00")
	return uuid.NewSHA1(endpointNamespace, []byte(key))
}

// NewModelEndpoint creates an endpoint with a fresh identity
func NewModelEndpoint(name string, provider ProviderKind, model, credentials string, minTemp, maxTemp float64) *ModelEndpoint {
	return &ModelEndpoint{
		ID:             uuid.New(),
		Name:           name,
		Provider:       provider,
		Model:          model,
		Credentials:    credentials,
		MinTemperature: minTemp,
		MaxTemperature: maxTemp,
	}
}

// String returns a log-friendly label
func (e *ModelEndpoint) String() string {
	return fmt.Sprintf("%s(%s/%s)", e.Name, e.Provider, e.Model)
}

// PromptType tags the prompting technique a prompt uses
type PromptType string

const (
	PromptTypeZeroShot       PromptType = "zero_shot"
	PromptTypeFewShot        PromptType = "few_shot"
	PromptTypeChainOfThought PromptType = "chain_of_thought"
	PromptTypeSchemaAware    PromptType = "schema_aware"
)

// SampleQuery is a hand-written reference statement plus the context the prompt is embedded in
type SampleQuery struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	ReferenceSQL    string    `json:"reference_sql"`
	ContextTemplate string    `json:"context_template"`
}

// NewSampleQuery creates a sample query with a fresh identity
func NewSampleQuery(name, referenceSQL, contextTemplate string) *SampleQuery {
	return &SampleQuery{
		ID:              uuid.New(),
		Name:            name,
		ReferenceSQL:    referenceSQL,
		ContextTemplate: contextTemplate,
	}
}

// Render substitutes text into the context template at the placeholder
func (q *SampleQuery) Render(text string) (string, error) {
	if strings.TrimSpace(q.ContextTemplate) == "" {
		return "", ErrEmptyTemplate
	}
	if n := strings.Count(q.ContextTemplate, PromptPlaceholder); n != 1 {
		return "", fmt.Errorf("%w: found %d", ErrPlaceholderCount, n)
	}
	return strings.Replace(q.ContextTemplate, PromptPlaceholder, text, 1), nil
}

// PromptSpec is a natural-language prompt bound to the sample query it targets.
// Setters bump Version; they must not be called while a run holds the prompt.
type PromptSpec struct {
	ID          uuid.UUID    `json:"id"`
	Text        string       `json:"text"`
	SampleQuery *SampleQuery `json:"sample_query,omitempty"`
	Type        PromptType   `json:"type"`
	Version     int          `json:"version"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// NewPromptSpec creates a prompt at version 1
func NewPromptSpec(text string, sample *SampleQuery, promptType PromptType) *PromptSpec {
	return &PromptSpec{
		ID:          uuid.New(),
		Text:        text,
		SampleQuery: sample,
		Type:        promptType,
		Version:     1,
		UpdatedAt:   time.Now(),
	}
}

// SetText replaces the prompt text
func (p *PromptSpec) SetText(text string) {
	p.Text = text
	p.touch()
}

// SetSampleQuery rebinds the prompt to another sample query
func (p *PromptSpec) SetSampleQuery(sample *SampleQuery) {
	p.SampleQuery = sample
	p.touch()
}

// SetType changes the prompt type tag
func (p *PromptSpec) SetType(promptType PromptType) {
	p.Type = promptType
	p.touch()
}

func (p *PromptSpec) touch() {
	p.Version++
	p.UpdatedAt = time.Now()
}

// FullText renders the prompt into its sample query's context template
func (p *PromptSpec) FullText() (string, error) {
	if p.SampleQuery == nil {
		return "", ErrMissingSampleQuery
	}
	return p.SampleQuery.Render(p.Text)
}

// GeneratedCandidate is one SQL statement produced by an endpoint for a prompt.
// Each generation job creates its own instance; it is never mutated afterwards.
type GeneratedCandidate struct {
	ID       uuid.UUID      `json:"id"`
	SQL      string         `json:"sql"`
	Endpoint *ModelEndpoint `json:"endpoint"`
	Prompt   *PromptSpec    `json:"prompt"`

	// Provenance
	Repetition  int       `json:"repetition"`
	Temperature float64   `json:"temperature"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewGeneratedCandidate creates a candidate with a fresh identity
func NewGeneratedCandidate(sql string, endpoint *ModelEndpoint, prompt *PromptSpec, repetition int, temperature float64) *GeneratedCandidate {
	return &GeneratedCandidate{
		ID:          uuid.New(),
		SQL:         sql,
		Endpoint:    endpoint,
		Prompt:      prompt,
		Repetition:  repetition,
		Temperature: temperature,
		CreatedAt:   time.Now(),
	}
}

// ComparatorKind selects how candidates are scored against their reference
type ComparatorKind string

const (
	ComparatorStructural ComparatorKind = "structural"
	ComparatorModel      ComparatorKind = "model"
)

// Deterministic reports whether the same inputs always produce the same score
func (k ComparatorKind) Deterministic() bool {
	return k == ComparatorStructural
}

// IsValid reports whether the kind is a known comparator
func (k ComparatorKind) IsValid() bool {
	return k == ComparatorStructural || k == ComparatorModel
}
