package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sqlbench/api/internal/models"
)

// Workload describes one benchmark: the endpoints to query, the prompts to send and
// how to run generation and evaluation. It is read from YAML files and API request bodies.
type Workload struct {
	Endpoints     []EndpointConfig    `json:"endpoints" yaml:"endpoints"`
	SampleQueries []SampleQueryConfig `json:"sample_queries" yaml:"sample_queries"`
	Prompts       []PromptConfig      `json:"prompts" yaml:"prompts"`
	Generation    GenerationConfig    `json:"generation" yaml:"generation"`
	Evaluation    EvaluationConfig    `json:"evaluation" yaml:"evaluation"`
}

// EndpointConfig configures one provider/model combination
type EndpointConfig struct {
	Name     string `json:"name" yaml:"name"`
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
	// CredentialsEnv names the environment variable holding the API key.
	// When empty the service-wide key for the provider is used. Workloads submitted
	// over the API may only name variables starting with APICredentialsEnvPrefix.
	CredentialsEnv string  `json:"credentials_env,omitempty" yaml:"credentials_env"`
	MinTemperature float64 `json:"min_temperature" yaml:"min_temperature"`
	MaxTemperature float64 `json:"max_temperature" yaml:"max_temperature"`
}

// SampleQueryConfig is a reference statement and the context its prompts are embedded in
type SampleQueryConfig struct {
	Name            string `json:"name" yaml:"name"`
	ReferenceSQL    string `json:"reference_sql" yaml:"reference_sql"`
	ContextTemplate string `json:"context_template" yaml:"context_template"`
}

// PromptConfig binds prompt text to a sample query by name
type PromptConfig struct {
	Text        string `json:"text" yaml:"text"`
	SampleQuery string `json:"sample_query" yaml:"sample_query"`
	Type        string `json:"type" yaml:"type"`
}

// GenerationConfig sizes the generation run
type GenerationConfig struct {
	PoolSize    int `json:"pool_size" yaml:"pool_size"`
	Repetitions int `json:"repetitions" yaml:"repetitions"`
}

// EvaluationConfig selects and sizes the evaluation run
type EvaluationConfig struct {
	PoolSize    int    `json:"pool_size" yaml:"pool_size"`
	MaxAttempts int    `json:"max_attempts" yaml:"max_attempts"`
	Comparator  string `json:"comparator" yaml:"comparator"`
	// Judge names the endpoint that scores candidates when Comparator is "model"
	Judge            string  `json:"judge,omitempty" yaml:"judge"`
	JudgeTemperature float64 `json:"judge_temperature,omitempty" yaml:"judge_temperature"`
}

// APICredentialsEnvPrefix is the only prefix credentials_env may use in API-submitted workloads
const APICredentialsEnvPrefix = "SQLBENCH_KEY_"

// ErrCredentialsEnv is returned when a workload names an environment variable it may not read
var ErrCredentialsEnv = errors.New("credentials_env not allowed")

// LoadWorkload reads and validates a YAML workload file
func LoadWorkload(path string) (*Workload, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workload: %w", err)
	}
	return ParseWorkload(raw)
}

// ParseWorkload decodes and validates a YAML workload document
func ParseWorkload(raw []byte) (*Workload, error) {
	var w Workload
	if err := yaml.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("parse workload: %w", err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// Validate checks names, provider kinds and temperature ranges. Context templates are
// not checked for their placeholder; generation falls back to raw prompt text instead.
func (w *Workload) Validate() error {
	var errs []error

	if len(w.Endpoints) == 0 {
		errs = append(errs, errors.New("workload has no endpoints"))
	}
	if len(w.Prompts) == 0 {
		errs = append(errs, errors.New("workload has no prompts"))
	}

	endpoints := map[string]bool{}
	for i, e := range w.Endpoints {
		switch {
		case e.Name == "":
			errs = append(errs, fmt.Errorf("endpoint %d: name is required", i))
		case endpoints[e.Name]:
			errs = append(errs, fmt.Errorf("endpoint %q: duplicate name", e.Name))
		}
		endpoints[e.Name] = true
		if !models.ProviderKind(e.Provider).IsValid() {
			errs = append(errs, fmt.Errorf("endpoint %q: unknown provider %q", e.Name, e.Provider))
		}
		if e.Model == "" {
			errs = append(errs, fmt.Errorf("endpoint %q: model is required", e.Name))
		}
		if e.MinTemperature > e.MaxTemperature {
			errs = append(errs, fmt.Errorf("endpoint %q: min_temperature exceeds max_temperature", e.Name))
		}
	}

	samples := map[string]bool{}
	for i, s := range w.SampleQueries {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("sample query %d: name is required", i))
			continue
		}
		samples[s.Name] = true
	}

	for i, p := range w.Prompts {
		if p.Text == "" {
			errs = append(errs, fmt.Errorf("prompt %d: text is required", i))
		}
		if p.SampleQuery != "" && !samples[p.SampleQuery] {
			errs = append(errs, fmt.Errorf("prompt %d: unknown sample query %q", i, p.SampleQuery))
		}
	}

	if c := w.Evaluation.Comparator; c != "" && !models.ComparatorKind(c).IsValid() {
		errs = append(errs, fmt.Errorf("unknown comparator %q", c))
	}
	if w.Evaluation.Comparator == string(models.ComparatorModel) && !endpoints[w.Evaluation.Judge] {
		errs = append(errs, fmt.Errorf("model comparator needs a judge naming one of the endpoints"))
	}

	return errors.Join(errs...)
}

// CheckCredentialsEnv rejects endpoints whose credentials_env does not start with prefix.
// Untrusted workloads must pass this before Build reads the environment.
func (w *Workload) CheckCredentialsEnv(prefix string) error {
	var errs []error
	for _, e := range w.Endpoints {
		if e.CredentialsEnv != "" && !strings.HasPrefix(e.CredentialsEnv, prefix) {
			errs = append(errs, fmt.Errorf("%w: endpoint %q: %q must start with %s", ErrCredentialsEnv, e.Name, e.CredentialsEnv, prefix))
		}
	}
	return errors.Join(errs...)
}

// Build turns the workload into domain objects. credentials supplies the
// service-wide key for a provider when an endpoint names no environment variable.
func (w *Workload) Build(credentials func(provider string) string) ([]*models.ModelEndpoint, []*models.PromptSpec) {
	endpoints := make([]*models.ModelEndpoint, 0, len(w.Endpoints))
	for _, e := range w.Endpoints {
		creds, source := "", "provider-default"
		if e.CredentialsEnv != "" {
			creds, source = os.Getenv(e.CredentialsEnv), "env:"+e.CredentialsEnv
		} else if credentials != nil {
			creds = credentials(e.Provider)
		}
		ep := models.NewModelEndpoint(e.Name, models.ProviderKind(e.Provider), e.Model, creds, e.MinTemperature, e.MaxTemperature)
		ep.ID = models.ConfiguredEndpointID(e.Name, ep.Provider, e.Model, source)
		endpoints = append(endpoints, ep)
	}

	samples := make(map[string]*models.SampleQuery, len(w.SampleQueries))
	for _, s := range w.SampleQueries {
		samples[s.Name] = models.NewSampleQuery(s.Name, s.ReferenceSQL, s.ContextTemplate)
	}

	prompts := make([]*models.PromptSpec, 0, len(w.Prompts))
	for _, p := range w.Prompts {
		promptType := models.PromptType(p.Type)
		if promptType == "" {
			promptType = models.PromptTypeZeroShot
		}
		prompts = append(prompts, models.NewPromptSpec(p.Text, samples[p.SampleQuery], promptType))
	}
	return endpoints, prompts
}

// Judge returns the built endpoint named as the model comparator's judge
func (w *Workload) Judge(endpoints []*models.ModelEndpoint) *models.ModelEndpoint {
	for _, e := range endpoints {
		if e.Name == w.Evaluation.Judge {
			return e
		}
	}
	return nil
}
