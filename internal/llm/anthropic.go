package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-5"
	defaultAnthropicMaxTokens = 1024
)

// AnthropicProvider synthesizes research answers with Claude or an
// Anthropic-compatible API.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
	name   string
}

// NewAnthropic creates a provider for the Anthropic API.
func NewAnthropic(apiKey, model string) *AnthropicProvider {
	return newAnthropic("anthropic", model, anthropicOptions("", apiKey)...)
}

// NewAnthropicCompat creates a provider for an Anthropic-format API at
// baseURL, such as a local proxy or another vendor.
func NewAnthropicCompat(name, baseURL, apiKey, model string) *AnthropicProvider {
	return newAnthropic(name, model, anthropicOptions(baseURL, apiKey)...)
}

func anthropicOptions(baseURL, apiKey string) []option.RequestOption {
	// One SDK retry; Chain does the fallback.
	opts := []option.RequestOption{option.WithMaxRetries(1)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return opts
}

func newAnthropic(name, model string, opts ...option.RequestOption) *AnthropicProvider {
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		model:  model,
		name:   name,
	}
}

func (p *AnthropicProvider) Name() string { return p.name }

// Complete runs one non-streaming Messages call. System messages in
// req.Messages are folded into the system prompt.
func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	msg, err := p.client.Messages.New(ctx, p.params(req))
	if err != nil {
		perr := &ProviderError{Message: err.Error(), Provider: p.name, Err: err}
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			perr.StatusCode = apiErr.StatusCode
		}
		return nil, perr
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}

	slog.Debug("anthropic completion",
		"provider", p.name,
		"model", msg.Model,
		"input_tokens", msg.Usage.InputTokens,
		"output_tokens", msg.Usage.OutputTokens,
		"stop", msg.StopReason,
	)
	return &CompletionResponse{
		Content:      text.String(),
		Model:        string(msg.Model),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		StopReason:   string(msg.StopReason),
	}, nil
}

func (p *AnthropicProvider) params(req CompletionRequest) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	system := []string{}
	if req.System != "" {
		system = append(system, req.System)
	}
	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(block))
		default:
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}
