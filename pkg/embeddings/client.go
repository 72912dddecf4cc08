// Package embeddings provides the vector side of the council: embedding
// clients for routing and retrieval, and the pgvector-backed knowledge chunk
// store.
//
// Three embedding backends are supported: HuggingFace Text Embeddings
// Inference (TEI), Ollama, and Google GenAI. Retrieval combines pgvector
// cosine search with Postgres full-text search using Reciprocal Rank Fusion.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// PrefixDocument is the task prefix for document embeddings (storage).
	// Required by nomic-embed-text for optimal performance.
	PrefixDocument = "search_document: "
	// PrefixQuery is the task prefix for query embeddings (search).
	PrefixQuery = "search_query: "
)

// Embedder is implemented by every backend.
type Embedder interface {
	// Embed returns the query embedding for text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedDocuments returns storage embeddings, one per text.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
}

// teiMaxBatch matches TEI's default --max-client-batch-size.
const teiMaxBatch = 32

// TEIClient is an HTTP client for HuggingFace Text Embeddings Inference.
type TEIClient struct {
	baseURL    string
	httpClient *http.Client
	prefixes   bool
}

// NewTEIClient creates a new TEI client. With prefixes set, the nomic task
// prefixes are prepended to queries and documents.
func NewTEIClient(baseURL string, prefixes bool) *TEIClient {
	return &TEIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		prefixes:   prefixes,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// teiRequest is the TEI /embed request body. Vectors come back unit length
// so the router can compare them directly.
type teiRequest struct {
	Inputs    []string `json:"inputs"`
	Normalize bool     `json:"normalize"`
	Truncate  bool     `json:"truncate"`
}

func (c *TEIClient) Name() string { return "tei" }

// Embed returns the query embedding for text.
func (c *TEIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.post(ctx, []string{c.prefix(PrefixQuery, text)})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedDocuments embeds texts for storage, teiMaxBatch at a time.
func (c *TEIClient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += teiMaxBatch {
		end := min(start+teiMaxBatch, len(texts))
		batch := make([]string, 0, end-start)
		for _, t := range texts[start:end] {
			batch = append(batch, c.prefix(PrefixDocument, t))
		}
		vecs, err := c.post(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("batch %d-%d: %w", start, end, err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (c *TEIClient) prefix(task, text string) string {
	if c.prefixes {
		return task + text
	}
	return text
}

func (c *TEIClient) post(ctx context.Context, inputs []string) ([][]float32, error) {
	payload, err := json.Marshal(teiRequest{Inputs: inputs, Normalize: true, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tei embed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tei embed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var vecs [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vecs); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(vecs) != len(inputs) {
		return nil, fmt.Errorf("tei embed: %d vectors for %d inputs", len(vecs), len(inputs))
	}
	return vecs, nil
}
