package embeddings

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ChunkBackfiller is the write surface of Store used by BackfillWorker.
type ChunkBackfiller interface {
	Pending(ctx context.Context, model string, limit int) ([]PendingChunk, error)
	SetEmbeddings(ctx context.Context, ids []int64, embeddings [][]float32, model string) error
}

// BackfillWorker embeds knowledge chunks that the indexer stored without a
// vector, or with a vector from a different embedding model.
type BackfillWorker struct {
	store     ChunkBackfiller
	embedder  Embedder
	interval  time.Duration
	batchSize int
}

// NewBackfillWorker creates a new background backfill worker.
func NewBackfillWorker(store ChunkBackfiller, embedder Embedder, interval time.Duration, batchSize int) *BackfillWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	return &BackfillWorker{
		store:     store,
		embedder:  embedder,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run starts the backfill loop. Blocks until ctx is cancelled.
func (w *BackfillWorker) Run(ctx context.Context) {
	slog.Info("embedding backfill worker started",
		"interval", w.interval,
		"batch_size", w.batchSize,
		"embedder", w.embedder.Name(),
	)

	if n, err := w.RunOnce(ctx); err != nil {
		slog.Warn("initial embedding backfill failed", "error", err)
	} else if n > 0 {
		slog.Info("initial embedding backfill complete", "embedded", n)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("embedding backfill worker stopping")
			return
		case <-ticker.C:
			if n, err := w.RunOnce(ctx); err != nil {
				slog.Warn("embedding backfill cycle failed", "error", err)
			} else if n > 0 {
				slog.Info("embedding backfill cycle", "embedded", n)
			}
		}
	}
}

// RunOnce embeds pending chunks batch by batch until none remain or ctx ends.
// It returns the number of chunks embedded.
func (w *BackfillWorker) RunOnce(ctx context.Context) (int, error) {
	model := w.embedder.Name()
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		pending, err := w.store.Pending(ctx, model, w.batchSize)
		if err != nil {
			return total, err
		}
		if len(pending) == 0 {
			return total, nil
		}

		ids := make([]int64, len(pending))
		texts := make([]string, len(pending))
		for i, p := range pending {
			ids[i] = p.ID
			texts[i] = p.Content
		}

		vecs, err := w.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return total, fmt.Errorf("embed batch: %w", err)
		}
		if err := w.store.SetEmbeddings(ctx, ids, vecs, model); err != nil {
			return total, fmt.Errorf("store batch: %w", err)
		}
		total += len(ids)

		if len(pending) < w.batchSize {
			return total, nil
		}
	}
}
