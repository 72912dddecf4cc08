// Package llm provides the inference backends the council talks to: the
// Ollama engine that hosts the expert models, and chat-completion providers
// used for research synthesis.
package llm

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/nous-labs/council/pkg/expert"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// CompletionRequest holds parameters for an LLM completion.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"` // Anthropic-style system prompt
}

// CompletionResponse holds the LLM's response.
type CompletionResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	StopReason   string `json:"stop_reason"`
}

// Provider is the interface for chat-completion providers.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "ollama").
	Name() string

	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Chain tries providers in order until one succeeds.
type Chain struct {
	providers []Provider
}

// NewChain creates a fallback chain. Nil providers are skipped.
func NewChain(providers ...Provider) *Chain {
	c := &Chain{}
	for _, p := range providers {
		if p != nil {
			c.providers = append(c.providers, p)
		}
	}
	return c
}

func (c *Chain) Name() string {
	if len(c.providers) == 0 {
		return "none"
	}
	return c.providers[0].Name()
}

// Len returns the number of configured providers.
func (c *Chain) Len() int { return len(c.providers) }

// Complete returns the first successful response. The last error is
// returned when every provider fails.
func (c *Chain) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if len(c.providers) == 0 {
		return nil, ErrNoProvider
	}
	var lastErr error
	for _, p := range c.providers {
		resp, err := p.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		slog.Warn("provider failed, trying next", "provider", p.Name(), "error", err)
	}
	return nil, lastErr
}

// ErrNoProvider is returned when no provider is configured.
var ErrNoProvider = &ProviderError{Message: "no provider configured"}

// ProviderError represents an inference or completion failure. It matches
// expert.ErrBackendTimeout or expert.ErrBackendError under errors.Is.
type ProviderError struct {
	Message    string
	StatusCode int
	Provider   string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Message
}

func (e *ProviderError) Unwrap() []error {
	class := expert.ErrBackendError
	if e.Timeout() {
		class = expert.ErrBackendTimeout
	}
	if e.Err == nil {
		return []error{class}
	}
	return []error{class, e.Err}
}

// Timeout reports whether the failure was a deadline or network timeout.
func (e *ProviderError) Timeout() bool {
	return IsTimeout(e.Err)
}

// IsTimeout reports whether err is a context deadline or a network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
