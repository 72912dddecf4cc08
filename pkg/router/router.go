// Package router classifies a query into one expert category.
//
// Classification is two-tiered: a table of weighted patterns scores every
// category, and only when nothing matches does the router embed the query and
// compare it against pre-embedded canonical examples. Anything below the
// similarity threshold, or any embedding failure, lands on Knowledge.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nous-labs/council/pkg/expert"
)

// DefaultThreshold is the minimum cosine similarity for the embedding tier.
const DefaultThreshold = 0.4

// Embedder turns text into a vector. Implementations live in pkg/embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Classifier routes queries. It is safe for concurrent use; nothing changes
// after New returns.
type Classifier struct {
	rules     []Rule
	embedder  Embedder
	threshold float64
	examples  map[expert.Category][][]float32
}

// Option configures a Classifier.
type Option func(*options)

type options struct {
	threshold float64
	rules     []Rule
	examples  map[expert.Category][]string
}

// WithThreshold overrides DefaultThreshold.
func WithThreshold(t float64) Option {
	return func(o *options) { o.threshold = t }
}

// WithRules replaces the built-in rule table.
func WithRules(rules []Rule) Option {
	return func(o *options) { o.rules = rules }
}

// WithExamples replaces the canonical example phrases.
func WithExamples(ex map[expert.Category][]string) Option {
	return func(o *options) { o.examples = ex }
}

// New builds a classifier and pre-embeds the canonical examples. A nil
// embedder is allowed; the classifier then never leaves the keyword tier.
// Examples that fail to embed are logged and skipped.
func New(ctx context.Context, embedder Embedder, opts ...Option) *Classifier {
	o := options{
		threshold: DefaultThreshold,
		rules:     defaultRules,
		examples:  canonicalExamples,
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Classifier{
		rules:     append([]Rule(nil), o.rules...),
		embedder:  embedder,
		threshold: o.threshold,
		examples:  make(map[expert.Category][][]float32),
	}
	if embedder == nil {
		slog.Warn("router: no embedder configured, embedding fallback disabled")
		return c
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, cat := range expert.ScoringOrder {
		for _, text := range o.examples[cat] {
			g.Go(func() error {
				vec, err := embedder.Embed(gctx, text)
				if err != nil {
					slog.Warn("router: embed canonical example failed", "category", cat, "example", text, "error", err)
					return nil
				}
				mu.Lock()
				c.examples[cat] = append(c.examples[cat], vec)
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	embedded := 0
	for _, v := range c.examples {
		embedded += len(v)
	}
	slog.Info("router initialized", "rules", len(c.rules), "examples", embedded, "threshold", c.threshold)
	return c
}

// Classify returns the category for query. It never fails: ambiguity
// resolves to Knowledge with method Default.
func (c *Classifier) Classify(ctx context.Context, query string, hasImage bool) expert.Classification {
	if hasImage {
		return expert.ImageClassification()
	}

	scores := c.Scores(query)
	best, bestScore := argmax(scores)
	if bestScore > 0 {
		slog.Debug("router: keyword match", "category", best, "score", bestScore, "scores", formatScores(scores))
		return expert.Classification{Category: best, Score: bestScore, Method: expert.KeywordMatch}
	}

	res, err := c.classifyByEmbedding(ctx, query)
	if err != nil {
		slog.Warn("router: embedding fallback unavailable", "error", fmt.Errorf("%w: %w", expert.ErrClassificationAmbiguous, err))
		return expert.Classification{Category: expert.Knowledge, Score: 0, Method: expert.Default}
	}
	return res
}

// Scores returns the summed rule weight per scoring category.
func (c *Classifier) Scores(query string) map[expert.Category]float64 {
	lower := strings.ToLower(strings.TrimSpace(query))
	scores := make(map[expert.Category]float64, len(expert.ScoringOrder))
	for _, cat := range expert.ScoringOrder {
		scores[cat] = 0
	}
	for _, r := range c.rules {
		if r.Pattern.MatchString(lower) {
			scores[r.Category] += r.Weight
		}
	}
	return scores
}

func (c *Classifier) classifyByEmbedding(ctx context.Context, query string) (expert.Classification, error) {
	if c.embedder == nil {
		return expert.Classification{}, fmt.Errorf("no embedder")
	}
	if len(c.examples) == 0 {
		return expert.Classification{}, fmt.Errorf("no canonical examples embedded")
	}
	q, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return expert.Classification{}, fmt.Errorf("embed query: %w", err)
	}

	sims := make(map[expert.Category]float64, len(expert.ScoringOrder))
	for _, cat := range expert.ScoringOrder {
		vecs := c.examples[cat]
		if len(vecs) == 0 {
			continue
		}
		maxSim := math.Inf(-1)
		for _, v := range vecs {
			if s := cosine(q, v); s > maxSim {
				maxSim = s
			}
		}
		sims[cat] = maxSim
	}
	best, bestSim := argmax(sims)
	slog.Debug("router: semantic scores", "category", best, "similarity", bestSim, "scores", formatScores(sims))

	if bestSim >= c.threshold {
		return expert.Classification{Category: best, Score: bestSim, Method: expert.EmbeddingFallback}, nil
	}
	return expert.Classification{Category: expert.Knowledge, Score: bestSim, Method: expert.Default}, nil
}

// argmax picks the highest score, walking ScoringOrder so the earlier
// category keeps an exact tie. Categories absent from scores are skipped.
func argmax(scores map[expert.Category]float64) (expert.Category, float64) {
	best := expert.Knowledge
	bestScore := math.Inf(-1)
	for _, cat := range expert.ScoringOrder {
		s, ok := scores[cat]
		if !ok {
			continue
		}
		if s > bestScore {
			best, bestScore = cat, s
		}
	}
	if math.IsInf(bestScore, -1) {
		return expert.Knowledge, 0
	}
	return best, bestScore
}

func cosine(a, b []float32) float64 {
	n := min(len(a), len(b))
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func formatScores(scores map[expert.Category]float64) string {
	parts := make([]string, 0, len(scores))
	for _, cat := range expert.ScoringOrder {
		if s, ok := scores[cat]; ok {
			parts = append(parts, fmt.Sprintf("%s: %.3f", cat, s))
		}
	}
	return strings.Join(parts, ", ")
}
