package embeddings

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/nous-labs/council/pkg/knowledge"
)

const (
	// rrfK is the smoothing constant for Reciprocal Rank Fusion.
	// Standard value from Cormack et al. (2009).
	rrfK = 60
	// overFetchMultiplier fetches more results from each source for better fusion.
	overFetchMultiplier = 3
)

// ChunkSearcher is the search surface of Store.
type ChunkSearcher interface {
	VectorSearch(ctx context.Context, vec []float32, limit int, f knowledge.Filters) ([]StoredChunk, error)
	TextSearch(ctx context.Context, query string, limit int, f knowledge.Filters) ([]StoredChunk, error)
}

// FusedResult holds a hybrid search result with combined RRF score.
type FusedResult struct {
	ChunkID int64
	Score   float64 // RRF score (higher = more relevant)
}

// Retriever implements knowledge.Retriever with hybrid search.
type Retriever struct {
	store    ChunkSearcher
	embedder Embedder
}

// NewRetriever creates a hybrid retriever. A nil embedder limits it to
// full-text search.
func NewRetriever(store ChunkSearcher, embedder Embedder) *Retriever {
	return &Retriever{store: store, embedder: embedder}
}

// Retrieve combines vector similarity with full-text search using
// Reciprocal Rank Fusion (RRF, k=60).
//
// Flow:
//  1. Embed query
//  2. Vector search in pgvector (parallel)
//  3. Full-text search in Postgres (parallel)
//  4. Fuse results with RRF
//
// Degrades gracefully: if one side fails, the other side's ranking is used.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, f knowledge.Filters) ([]knowledge.Chunk, error) {
	if k <= 0 {
		k = knowledge.DefaultK
	}
	fetchLimit := k * overFetchMultiplier

	var queryEmbedding []float32
	if r.embedder != nil {
		vec, err := r.embedder.Embed(ctx, query)
		if err != nil {
			slog.Warn("knowledge embed failed, falling back to text-only", "error", err)
		} else {
			queryEmbedding = vec
		}
	}

	var vectorResults, textResults []StoredChunk
	var vectorErr, textErr error

	g, gctx := errgroup.WithContext(ctx)
	if queryEmbedding != nil {
		g.Go(func() error {
			vectorResults, vectorErr = r.store.VectorSearch(gctx, queryEmbedding, fetchLimit, f)
			return nil
		})
	} else {
		vectorErr = fmt.Errorf("no query embedding")
	}
	g.Go(func() error {
		textResults, textErr = r.store.TextSearch(gctx, query, fetchLimit, f)
		return nil
	})
	_ = g.Wait()

	switch {
	case vectorErr != nil && textErr != nil:
		return nil, fmt.Errorf("knowledge retrieval: vector: %v; text: %w", vectorErr, textErr)
	case vectorErr != nil:
		if queryEmbedding != nil {
			slog.Warn("vector search failed, using text-only", "error", vectorErr)
		}
		return toChunks(textResults, k), nil
	case textErr != nil:
		slog.Warn("text search failed, using vector-only", "error", textErr)
		return toChunks(vectorResults, k), nil
	}

	byID := make(map[int64]StoredChunk, len(vectorResults)+len(textResults))
	vectorRanked := make([]FusedResult, len(vectorResults))
	for i, c := range vectorResults {
		vectorRanked[i] = FusedResult{ChunkID: c.ID}
		byID[c.ID] = c
	}
	textRanked := make([]FusedResult, len(textResults))
	for i, c := range textResults {
		textRanked[i] = FusedResult{ChunkID: c.ID}
		if _, ok := byID[c.ID]; !ok {
			byID[c.ID] = c
		}
	}

	fused := reciprocalRankFusion([][]FusedResult{vectorRanked, textRanked}, rrfK)
	if len(fused) > k {
		fused = fused[:k]
	}
	out := make([]knowledge.Chunk, 0, len(fused))
	for _, fr := range fused {
		out = append(out, byID[fr.ChunkID].Chunk)
	}
	return out, nil
}

func toChunks(results []StoredChunk, k int) []knowledge.Chunk {
	if len(results) > k {
		results = results[:k]
	}
	out := make([]knowledge.Chunk, len(results))
	for i, r := range results {
		out[i] = r.Chunk
	}
	return out
}

// reciprocalRankFusion merges multiple ranked lists using RRF.
// Formula: RRF_score(d) = Σ 1/(k + rank_i(d))
// Equal scores keep the order in which ids were first seen.
func reciprocalRankFusion(lists [][]FusedResult, k int) []FusedResult {
	scores := make(map[int64]float64)
	var order []int64

	for _, list := range lists {
		for rank, result := range list {
			if _, seen := scores[result.ChunkID]; !seen {
				order = append(order, result.ChunkID)
			}
			// rank is 0-indexed, RRF uses 1-indexed
			scores[result.ChunkID] += 1.0 / (float64(k) + float64(rank+1))
		}
	}

	fused := make([]FusedResult, 0, len(order))
	for _, id := range order {
		fused = append(fused, FusedResult{ChunkID: id, Score: scores[id]})
	}

	sort.SliceStable(fused, func(i, j int) bool {
		return fused[i].Score > fused[j].Score
	})

	return fused
}
