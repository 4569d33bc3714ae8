package llm

import (
	"errors"
	"fmt"
	"time"

	"github.com/sqlbench/api/internal/models"
)

// RateLimitError reports that the provider refused the call because of a rate limit.
// RetryAt and RetryAfter are both zero when the provider gave no hint.
type RateLimitError struct {
	Provider   models.ProviderKind
	RetryAfter time.Duration
	RetryAt    time.Time
	Err        error
}

func (e *RateLimitError) Error() string {
	switch {
	case !e.RetryAt.IsZero():
		return fmt.Sprintf("%s rate limited until %s", e.Provider, e.RetryAt.Format(time.RFC3339))
	case e.RetryAfter > 0:
		return fmt.Sprintf("%s rate limited, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("%s rate limited", e.Provider)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// Deadline returns the absolute retry instant, or the zero time when unknown
func (e *RateLimitError) Deadline(now time.Time) time.Time {
	if !e.RetryAt.IsZero() {
		return e.RetryAt
	}
	if e.RetryAfter > 0 {
		return now.Add(e.RetryAfter)
	}
	return time.Time{}
}

// ProviderError is any non-rate-limit provider failure
type ProviderError struct {
	Provider models.ProviderKind
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRateLimit reports whether err carries a RateLimitError
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}
