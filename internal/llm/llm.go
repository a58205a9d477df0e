// Package llm wraps the external completion capability: a single
// complete(messages, model) -> text call against an OpenRouter-compatible
// API, with a typed error taxonomy for user-facing reporting.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Message is one turn of a completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client is the completion capability consumed by the rest of the system.
// Implementations must not retry automatically; callers decide what a
// failure means.
type Client interface {
	Complete(ctx context.Context, messages []Message, model string) (string, error)
}

// ErrorCategory buckets provider failures for user-facing messages.
type ErrorCategory string

const (
	ErrorAuth             ErrorCategory = "auth"
	ErrorRateLimit        ErrorCategory = "rate_limit"
	ErrorModelUnavailable ErrorCategory = "model_unavailable"
	ErrorNetwork          ErrorCategory = "network"
	ErrorUnknown          ErrorCategory = "unknown"
)

// ProviderError is a failed completion call.
type ProviderError struct {
	Category ErrorCategory
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider error (%s, status %d): %s", e.Category, e.Status, e.Message)
	}
	return fmt.Sprintf("provider error (%s): %s", e.Category, e.Message)
}

// Categorize returns the error category of err, or ErrorUnknown for
// anything that is not a ProviderError.
func Categorize(err error) ErrorCategory {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ErrorUnknown
}
