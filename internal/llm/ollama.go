package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nous-labs/council/pkg/expert"
)

// Ollama drives a local Ollama engine. It implements the slot backend
// (Load/Unload), expert generation, and Provider for research synthesis.
type Ollama struct {
	baseURL    string
	model      string // default model for Complete
	httpClient *http.Client
}

// NewOllama creates an Ollama client. Per-call deadlines come from the
// caller's context, so the HTTP client itself has no timeout.
func NewOllama(baseURL, model string) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &Ollama{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{},
	}
}

func (o *Ollama) Name() string { return "ollama" }

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type generateRequest struct {
	Model     string           `json:"model"`
	Prompt    string           `json:"prompt"`
	System    string           `json:"system,omitempty"`
	Stream    bool             `json:"stream"`
	Images    []string         `json:"images,omitempty"`
	KeepAlive *int             `json:"keep_alive,omitempty"`
	Options   *generateOptions `json:"options,omitempty"`
}

type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (o *Ollama) generate(ctx context.Context, body generateRequest) (*generateResponse, error) {
	reqBytes, err := json.Marshal(body)
	if err != nil {
		return nil, &ProviderError{Message: fmt.Sprintf("marshal request: %v", err), Provider: "ollama", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, &ProviderError{Message: fmt.Sprintf("create request: %v", err), Provider: "ollama", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{Message: fmt.Sprintf("http: %v", err), Provider: "ollama", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Message: fmt.Sprintf("read response: %v", err), Provider: "ollama", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{
			Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
			StatusCode: resp.StatusCode,
			Provider:   "ollama",
		}
	}

	var out generateResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, &ProviderError{Message: fmt.Sprintf("parse response: %v", err), Provider: "ollama", Err: err}
	}
	return &out, nil
}

// Generate runs one non-streaming prompt against the resident model.
func (o *Ollama) Generate(ctx context.Context, req expert.GenerateRequest) (string, error) {
	out, err := o.generate(ctx, generateRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		Images: req.Images,
		Options: &generateOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	})
	if err != nil {
		return "", err
	}
	return out.Response, nil
}

// Load warms model into memory with an empty prompt.
func (o *Ollama) Load(ctx context.Context, model string) error {
	_, err := o.generate(ctx, generateRequest{Model: model})
	return err
}

// Unload evicts model immediately.
func (o *Ollama) Unload(ctx context.Context, model string) error {
	zero := 0
	_, err := o.generate(ctx, generateRequest{Model: model, KeepAlive: &zero})
	return err
}

// Complete flattens the chat into a single prompt for /api/generate.
func (o *Ollama) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}
	if model == "" {
		return nil, &ProviderError{Message: "no model configured", Provider: "ollama"}
	}

	var prompt strings.Builder
	for i, m := range req.Messages {
		if i > 0 {
			prompt.WriteString("\n\n")
		}
		prompt.WriteString(m.Content)
	}

	opts := &generateOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	out, err := o.generate(ctx, generateRequest{
		Model:   model,
		Prompt:  prompt.String(),
		System:  req.System,
		Options: opts,
	})
	if err != nil {
		return nil, err
	}
	return &CompletionResponse{
		Content:      out.Response,
		Model:        out.Model,
		InputTokens:  out.PromptEvalCount,
		OutputTokens: out.EvalCount,
		StopReason:   out.DoneReason,
	}, nil
}
