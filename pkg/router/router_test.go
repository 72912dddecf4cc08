package router

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/council/pkg/expert"
)

// axisEmbedder puts every canonical example of a category on its own axis and
// looks queries up in a fixed table.
type axisEmbedder struct {
	queries map[string][]float32
	failOn  map[string]bool
}

func (e *axisEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.failOn[text] {
		return nil, errors.New("embedder down")
	}
	for i, cat := range expert.ScoringOrder {
		for _, ex := range canonicalExamples[cat] {
			if ex == text {
				v := make([]float32, 5)
				v[i] = 1
				return v, nil
			}
		}
	}
	if v, ok := e.queries[text]; ok {
		return v, nil
	}
	return nil, errors.New("unknown text")
}

func TestClassifyImageIsVision(t *testing.T) {
	c := New(context.Background(), nil)
	got := c.Classify(context.Background(), "what is the derivative in this picture", true)
	assert.Equal(t, expert.Vision, got.Category)
	assert.Equal(t, expert.KeywordMatch, got.Method)
	assert.True(t, math.IsInf(got.Score, 1))
}

func TestClassifyKeywords(t *testing.T) {
	c := New(context.Background(), nil)
	tests := []struct {
		query string
		want  expert.Category
		score float64
	}{
		{"Solve the integral of x^3", expert.Math, 10},
		{"implement binary search in python", expert.Coding, 6 + 9 + 7},
		{"write a function in c++", expert.Coding, 6 + 5 + 9},
		{"what's the latest AAPL stock news", expert.Research, 7 + 8 + 9 + 10},
		{"explain the concept of TCP", expert.Knowledge, 8 + 5},
		{"find dy/dx", expert.Math, 10},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got := c.Classify(context.Background(), tt.query, false)
			assert.Equal(t, tt.want, got.Category)
			assert.Equal(t, tt.score, got.Score)
			assert.Equal(t, expert.KeywordMatch, got.Method)
		})
	}
}

func TestClassifyTieBreaksInScoringOrder(t *testing.T) {
	c := New(context.Background(), nil)

	// Math 8 vs Knowledge 8.
	got := c.Classify(context.Background(), "explain limit", false)
	assert.Equal(t, expert.Math, got.Category)
	assert.Equal(t, 8.0, got.Score)

	// Coding 7 vs Research 7.
	got = c.Classify(context.Background(), "latest sort", false)
	assert.Equal(t, expert.Coding, got.Category)

	// Research 8 vs Knowledge 8.
	got = c.Classify(context.Background(), "explain news", false)
	assert.Equal(t, expert.Research, got.Category)
}

func TestClassifyNoEmbedderDefaultsToKnowledge(t *testing.T) {
	c := New(context.Background(), nil)
	got := c.Classify(context.Background(), "hello there", false)
	assert.Equal(t, expert.Classification{Category: expert.Knowledge, Score: 0, Method: expert.Default}, got)
}

func TestClassifyEmbeddingFallback(t *testing.T) {
	emb := &axisEmbedder{
		queries: map[string][]float32{
			"xyzzy plugh":   {0.9, 0.1, 0, 0, 0},
			"quux frobnick": {0, 0, 0, 0, 1},
		},
		failOn: map[string]bool{"broken query": true},
	}
	c := New(context.Background(), emb)

	got := c.Classify(context.Background(), "xyzzy plugh", false)
	assert.Equal(t, expert.Math, got.Category)
	assert.Equal(t, expert.EmbeddingFallback, got.Method)
	assert.InDelta(t, 0.9939, got.Score, 1e-3)

	got = c.Classify(context.Background(), "quux frobnick", false)
	assert.Equal(t, expert.Knowledge, got.Category)
	assert.Equal(t, expert.Default, got.Method)
	assert.InDelta(t, 0, got.Score, 1e-9)

	got = c.Classify(context.Background(), "broken query", false)
	assert.Equal(t, expert.Classification{Category: expert.Knowledge, Score: 0, Method: expert.Default}, got)
}

func TestClassifyThresholdOption(t *testing.T) {
	emb := &axisEmbedder{queries: map[string][]float32{"xyzzy plugh": {0.5, 0.5, 0.5, 0.5, 0}}}

	low := New(context.Background(), emb)
	got := low.Classify(context.Background(), "xyzzy plugh", false)
	require.Equal(t, expert.EmbeddingFallback, got.Method)
	assert.Equal(t, expert.Math, got.Category, "equal similarity keeps the first category")

	high := New(context.Background(), emb, WithThreshold(0.9))
	got = high.Classify(context.Background(), "xyzzy plugh", false)
	assert.Equal(t, expert.Knowledge, got.Category)
	assert.Equal(t, expert.Default, got.Method)
	assert.InDelta(t, 0.5, got.Score, 1e-6)
}

func TestClassifyAlwaysInClosedSet(t *testing.T) {
	c := New(context.Background(), nil)
	for _, q := range []string{"", " ", "∫ x dx", "c# vs go", "???", "AMD earnings today"} {
		got := c.Classify(context.Background(), q, false)
		assert.True(t, got.Category.Valid(), "query %q gave %q", q, got.Category)
	}
}

func TestScoresCountEachRuleOnce(t *testing.T) {
	c := New(context.Background(), nil)
	scores := c.Scores("integral integral integral")
	assert.Equal(t, 10.0, scores[expert.Math])
	assert.Zero(t, scores[expert.Vision])
}
