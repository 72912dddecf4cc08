package embeddings

import (
	"context"
	"fmt"
	"strings"
)

// Options selects and configures an embedding backend.
type Options struct {
	Provider string // tei, ollama or genai
	URL      string
	Model    string
	APIKey   string
	Prefixes bool // TEI only: prepend nomic task prefixes
}

// New builds the embedder named by opts.Provider.
func New(ctx context.Context, opts Options) (Embedder, error) {
	switch strings.ToLower(opts.Provider) {
	case "tei":
		if opts.URL == "" {
			return nil, fmt.Errorf("tei embedder: url is required")
		}
		return NewTEIClient(opts.URL, opts.Prefixes), nil
	case "ollama", "":
		return NewOllamaClient(opts.URL, opts.Model), nil
	case "genai", "gemini":
		return NewGenAIClient(ctx, opts.APIKey, opts.Model)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", opts.Provider)
	}
}
