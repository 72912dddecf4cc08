package embeddings

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GenAIClient embeds text with the Gemini embedding API.
type GenAIClient struct {
	client *genai.Client
	model  string
}

// NewGenAIClient creates a Gemini embedding client.
func NewGenAIClient(ctx context.Context, apiKey, model string) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai API key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAIClient{client: client, model: model}, nil
}

func (c *GenAIClient) Name() string { return "genai:" + c.model }

func (c *GenAIClient) embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	res, err := c.client.Models.EmbedContent(ctx, c.model, contents, &genai.EmbedContentConfig{TaskType: taskType})
	if err != nil {
		return nil, fmt.Errorf("genai embed: %w", err)
	}
	if len(res.Embeddings) != len(texts) {
		return nil, fmt.Errorf("genai returned %d embeddings for %d inputs", len(res.Embeddings), len(texts))
	}
	out := make([][]float32, len(res.Embeddings))
	for i, e := range res.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}

// Embed generates a query embedding.
func (c *GenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := c.embed(ctx, []string{text}, "RETRIEVAL_QUERY")
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedDocuments generates document embeddings in one call.
func (c *GenAIClient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return c.embed(ctx, texts, "RETRIEVAL_DOCUMENT")
}
