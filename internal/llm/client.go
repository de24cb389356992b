// Package llm provides the text-completion clients behind AI replies.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/shopkeep/internal/metrics"
)

// ErrProviderFailure wraps every failure of a completion call.
var ErrProviderFailure = errors.New("llm: provider failure")

// Roles used in ChatMessage.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []ChatMessage
	MaxTokens int
}

// ChatMessage represents a chat message for the model.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content   string
	Model     string
	TokensIn  int
	TokensOut int
	LatencyMs int64
}

// Client is the interface for completion providers.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string
}

// Provider is the type of completion provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// Opts configures a provider client.
type Opts struct {
	Provider  Provider
	APIKey    string
	BaseURL   string // OpenAI-compatible endpoints only
	Model     string
	MaxTokens int
}

// NewClient creates a client for opts.Provider.
func NewClient(opts Opts) (Client, error) {
	switch opts.Provider {
	case ProviderAnthropic:
		return NewAnthropicClient(opts)
	case ProviderOpenAI, "":
		return NewOpenAIClient(opts)
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", opts.Provider)
	}
}

// observe records latency and normalizes the result of a provider call.
func observe(provider string, start time.Time, resp *CompletionResponse, err error) (*CompletionResponse, error) {
	elapsed := time.Since(start)
	if err == nil && strings.TrimSpace(resp.Content) == "" {
		err = errors.New("empty completion")
	}
	if err != nil {
		metrics.RecordAI(provider, "error", elapsed.Seconds())
		return nil, fmt.Errorf("%w: %s: %v", ErrProviderFailure, provider, err)
	}
	metrics.RecordAI(provider, "ok", elapsed.Seconds())
	resp.Content = strings.TrimSpace(resp.Content)
	resp.LatencyMs = elapsed.Milliseconds()
	return resp, nil
}
