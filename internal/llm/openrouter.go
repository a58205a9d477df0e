package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	// DefaultModel is used when the caller does not pick one.
	DefaultModel = "openai/gpt-4o-mini"
)

// Options configures the OpenRouter client.
type Options struct {
	APIKey      string
	BaseURL     string
	Referer     string
	Title       string
	Temperature float64
	MaxTokens   int
}

// OpenRouterClient implements Client against OpenRouter's unified
// chat-completions API. Requests are not retried: a failure is surfaced
// once and converted to a user-visible message upstream.
type OpenRouterClient struct {
	options Options
	client  *http.Client
}

// NewOpenRouterClient creates a client with sane defaults. The API key
// falls back to the OPENROUTER_API_KEY environment variable.
func NewOpenRouterClient(options Options) *OpenRouterClient {
	if options.APIKey == "" {
		options.APIKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if options.BaseURL == "" {
		options.BaseURL = defaultBaseURL
	}
	if options.Title == "" {
		options.Title = "Hyperfocus AI"
	}
	if options.Temperature == 0 {
		options.Temperature = 0.7
	}
	if options.MaxTokens == 0 {
		options.MaxTokens = 2000
	}
	return &OpenRouterClient{
		options: options,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Complete sends a chat completion request and returns the reply text.
func (c *OpenRouterClient) Complete(ctx context.Context, messages []Message, model string) (string, error) {
	if c.options.APIKey == "" {
		return "", &ProviderError{Category: ErrorAuth, Message: "API key not configured"}
	}
	if model == "" {
		model = DefaultModel
	}

	body, err := json.Marshal(completionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: c.options.Temperature,
		MaxTokens:   c.options.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.options.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build completion request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.options.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if c.options.Referer != "" {
		req.Header.Set("HTTP-Referer", c.options.Referer)
	}
	req.Header.Set("X-Title", c.options.Title)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Cancellation is the caller's doing, not a provider fault.
			return "", ctx.Err()
		}
		return "", &ProviderError{Category: ErrorNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ProviderError{Category: ErrorNetwork, Message: err.Error()}
	}

	var parsed completionResponse
	if err := json.Unmarshal(data, &parsed); err != nil && resp.StatusCode == http.StatusOK {
		return "", &ProviderError{Category: ErrorUnknown, Status: resp.StatusCode,
			Message: "malformed response payload"}
	}

	if resp.StatusCode != http.StatusOK {
		msg := resp.Status
		if parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return "", &ProviderError{
			Category: classifyStatus(resp.StatusCode),
			Status:   resp.StatusCode,
			Message:  msg,
		}
	}

	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", &ProviderError{Category: ErrorUnknown, Status: resp.StatusCode,
			Message: "empty completion response"}
	}
	return parsed.Choices[0].Message.Content, nil
}

func classifyStatus(status int) ErrorCategory {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrorAuth
	case http.StatusTooManyRequests:
		return ErrorRateLimit
	case http.StatusNotFound:
		return ErrorModelUnavailable
	case http.StatusRequestTimeout, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return ErrorNetwork
	default:
		return ErrorUnknown
	}
}

// IsCancellation reports whether err is a context cancellation rather than
// a provider failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsTimeout reports whether err is a context deadline expiry; callers treat
// it as a network-category failure.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
