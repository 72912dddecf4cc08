// Package knowledge formats retrieved document chunks into the context block
// the Knowledge expert answers from.
package knowledge

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	DefaultK                = 2
	DefaultMaxCharsPerChunk = 500

	// NoContext is returned by BuildContext when nothing was retrieved.
	NoContext = "No relevant context found."
)

// Chunk is one retrieved passage.
type Chunk struct {
	Text   string `json:"text"`
	Source string `json:"source"`
	Page   int    `json:"page"`
}

// Filters narrow retrieval. Zero values mean no filter.
type Filters struct {
	Subject string `json:"subject,omitempty"`
	Source  string `json:"source,omitempty"` // substring of Chunk.Source
}

// Retriever returns the top-k chunks for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int, f Filters) ([]Chunk, error)
}

// BuildContext renders chunks as numbered "[DOC i]" blocks, truncating each
// passage to maxChars characters.
func BuildContext(chunks []Chunk, maxChars int) string {
	if len(chunks) == 0 {
		return NoContext
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxCharsPerChunk
	}

	blocks := make([]string, 0, len(chunks))
	for i, ch := range chunks {
		text := ch.Text
		if r := []rune(text); len(r) > maxChars {
			text = string(r[:maxChars]) + "..."
		}
		blocks = append(blocks, fmt.Sprintf("[DOC %d] Source: %s, page %d\n%s", i+1, filepath.Base(ch.Source), ch.Page, text))
	}
	return strings.Join(blocks, "\n\n---\n\n")
}

// Prompt wraps a context block and the question in the concise-answer
// instruction.
func Prompt(contextBlock, question string) string {
	return "Using the context below, answer the question concisely.\n\n" +
		"Context:\n" + contextBlock + "\n\n" +
		"Question: " + question + "\n\n" +
		"Answer (be brief, 2-3 sentences):"
}
