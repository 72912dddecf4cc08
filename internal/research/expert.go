package research

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nous-labs/council/internal/llm"
	"github.com/nous-labs/council/pkg/expert"
)

const (
	DefaultMaxResults = 5
	DefaultTimeout    = 120 * time.Second

	noResults    = "I couldn't find any information on that topic."
	insufficient = "The sources don't contain sufficient information on this topic"
)

// Config tunes the research expert.
type Config struct {
	MaxResults  int
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Expert searches the web and synthesizes a cited answer.
type Expert struct {
	searcher Searcher
	synth    llm.Provider
	cfg      Config
}

// New creates a research expert. synth may be nil, in which case raw search
// results are returned.
func New(searcher Searcher, synth llm.Provider, cfg Config) *Expert {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.3
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Expert{searcher: searcher, synth: synth, cfg: cfg}
}

// AnswerWithCitations runs search, context building and synthesis. Synthesis
// failures degrade to a list of raw results; only a failed search is an error.
func (e *Expert) AnswerWithCitations(ctx context.Context, question string) (string, error) {
	sources, err := e.searcher.Search(ctx, question, e.cfg.MaxResults)
	if err != nil {
		return "", fmt.Errorf("%w: web search: %w", expert.ErrCollaboratorUnavailable, err)
	}
	if len(sources) == 0 {
		return noResults, nil
	}
	slog.Debug("research sources", "question", question, "sources", len(sources))

	if e.synth == nil {
		return rawResults(sources), nil
	}

	sctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	resp, err := e.synth.Complete(sctx, llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: SynthesisPrompt(BuildContext(sources), question)}},
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
	})
	if err != nil {
		slog.Warn("research synthesis failed, returning raw results", "provider", e.synth.Name(), "timeout", llm.IsTimeout(err), "error", err)
		return rawResults(sources), nil
	}

	answer := strings.TrimSpace(resp.Content)
	if len([]rune(answer)) < 10 {
		answer = insufficient
	}
	return answer + sourceList(sources), nil
}

// BuildContext formats sources as [SOURCE n] blocks.
func BuildContext(sources []Source) string {
	if len(sources) == 0 {
		return "No sources available."
	}
	parts := make([]string, len(sources))
	for i, s := range sources {
		parts[i] = fmt.Sprintf("[SOURCE %d]\nTitle: %s\nURL: %s\nContent: %s\n", s.ID, s.Title, s.URL, s.Snippet)
	}
	return strings.Join(parts, "\n---\n")
}

// SynthesisPrompt instructs the model to answer only from the sources.
func SynthesisPrompt(contextBlock, question string) string {
	return `You are a research assistant. Answer using ONLY the sources provided below.

Sources:
` + contextBlock + `

Question: ` + question + `

Instructions:
- Cite facts with [SOURCE n] tags (e.g., "Apple stock rose [SOURCE 1]")
- Be concise (2-3 sentences max)
- If sources lack info, say "The sources don't contain sufficient information"
- DO NOT make up information

Answer:`
}

func sourceList(sources []Source) string {
	var sb strings.Builder
	sb.WriteString("\n\n**Sources:**")
	for _, s := range sources {
		fmt.Fprintf(&sb, "\n[%d] %s\n    %s", s.ID, s.Title, s.URL)
	}
	return sb.String()
}

func rawResults(sources []Source) string {
	var sb strings.Builder
	sb.WriteString("**Search Results:**\n\n")
	for _, s := range sources {
		fmt.Fprintf(&sb, "**[%d] %s**\n%s\n%s\n\n", s.ID, s.Title, s.Snippet, s.URL)
	}
	return sb.String()
}
