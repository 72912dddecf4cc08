package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/council/pkg/knowledge"
)

func TestTEIClientEmbed(t *testing.T) {
	var (
		mu       sync.Mutex
		requests []teiRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embed", r.URL.Path)
		var body teiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		requests = append(requests, body)
		mu.Unlock()
		out := make([][]float32, len(body.Inputs))
		for i := range body.Inputs {
			out[i] = []float32{float32(i), 1}
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	c := NewTEIClient(srv.URL+"/", true)
	vec, err := c.Embed(context.Background(), "what is tcp")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, vec)

	docs := make([]string, teiMaxBatch+3)
	for i := range docs {
		docs[i] = "doc"
	}
	vecs, err := c.EmbedDocuments(context.Background(), docs)
	require.NoError(t, err)
	assert.Len(t, vecs, len(docs))

	require.Len(t, requests, 3)
	assert.Equal(t, []string{PrefixQuery + "what is tcp"}, requests[0].Inputs)
	assert.True(t, requests[0].Normalize)
	assert.Len(t, requests[1].Inputs, teiMaxBatch)
	assert.Len(t, requests[2].Inputs, 3)
	assert.Equal(t, PrefixDocument+"doc", requests[2].Inputs[0])
}

func TestTEIClientNoPrefixes(t *testing.T) {
	var got teiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode([][]float32{{1}})
	}))
	defer srv.Close()

	_, err := NewTEIClient(srv.URL, false).Embed(context.Background(), "plain")
	require.NoError(t, err)
	assert.Equal(t, []string{"plain"}, got.Inputs)

	empty, err := NewTEIClient(srv.URL, false).EmbedDocuments(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestTEIClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewTEIClient(srv.URL, false).Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestOllamaClientEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embeddings", r.URL.Path)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{float32(len(req.Prompt))}})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "")
	assert.Equal(t, "ollama:nomic-embed-text", c.Name())

	docs, err := c.EmbedDocuments(context.Background(), []string{"a", "bbb"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1}, {3}}, docs)
}

func TestNewProvider(t *testing.T) {
	e, err := New(context.Background(), Options{Provider: "tei", URL: "http://tei:8080"})
	require.NoError(t, err)
	assert.Equal(t, "tei", e.Name())

	_, err = New(context.Background(), Options{Provider: "tei"})
	assert.Error(t, err)

	_, err = New(context.Background(), Options{Provider: "genai"})
	assert.Error(t, err, "api key required")

	_, err = New(context.Background(), Options{Provider: "word2vec"})
	assert.Error(t, err)
}

func TestReciprocalRankFusion(t *testing.T) {
	a := []FusedResult{{ChunkID: 1}, {ChunkID: 2}, {ChunkID: 3}}
	b := []FusedResult{{ChunkID: 3}, {ChunkID: 1}}
	fused := reciprocalRankFusion([][]FusedResult{a, b}, rrfK)

	require.Len(t, fused, 3)
	assert.Equal(t, int64(1), fused[0].ChunkID)
	assert.InDelta(t, 1.0/61+1.0/62, fused[0].Score, 1e-12)
	assert.Equal(t, int64(3), fused[1].ChunkID)
	assert.Equal(t, int64(2), fused[2].ChunkID)
}

type fakeSearcher struct {
	vector, text       []StoredChunk
	vectorErr, textErr error
	lastFilters        knowledge.Filters
	mu                 sync.Mutex
}

func (f *fakeSearcher) VectorSearch(_ context.Context, _ []float32, limit int, flt knowledge.Filters) ([]StoredChunk, error) {
	f.mu.Lock()
	f.lastFilters = flt
	f.mu.Unlock()
	return f.vector, f.vectorErr
}

func (f *fakeSearcher) TextSearch(_ context.Context, _ string, limit int, flt knowledge.Filters) ([]StoredChunk, error) {
	return f.text, f.textErr
}

type staticEmbedder struct{ err error }

func (s staticEmbedder) Embed(context.Context, string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []float32{1, 0}, nil
}

func (s staticEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (staticEmbedder) Name() string { return "static" }

func chunk(id int64, text string) StoredChunk {
	return StoredChunk{ID: id, Chunk: knowledge.Chunk{Text: text, Source: "book.pdf", Page: int(id)}}
}

func TestRetrieverFusesBothSides(t *testing.T) {
	s := &fakeSearcher{
		vector: []StoredChunk{chunk(1, "one"), chunk(2, "two")},
		text:   []StoredChunk{chunk(2, "two"), chunk(3, "three")},
	}
	r := NewRetriever(s, staticEmbedder{})

	got, err := r.Retrieve(context.Background(), "q", 2, knowledge.Filters{Subject: "networks"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "two", got[0].Text)
	assert.Equal(t, "one", got[1].Text)
	assert.Equal(t, "networks", s.lastFilters.Subject)
}

func TestRetrieverDegrades(t *testing.T) {
	s := &fakeSearcher{
		vector:  []StoredChunk{chunk(1, "one")},
		textErr: errors.New("tsquery syntax"),
	}
	got, err := NewRetriever(s, staticEmbedder{}).Retrieve(context.Background(), "q", 2, knowledge.Filters{})
	require.NoError(t, err)
	assert.Equal(t, []knowledge.Chunk{{Text: "one", Source: "book.pdf", Page: 1}}, got)

	s = &fakeSearcher{text: []StoredChunk{chunk(3, "three")}}
	got, err = NewRetriever(s, staticEmbedder{err: errors.New("down")}).Retrieve(context.Background(), "q", 2, knowledge.Filters{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "three", got[0].Text)

	s = &fakeSearcher{vectorErr: errors.New("a"), textErr: errors.New("b")}
	_, err = NewRetriever(s, staticEmbedder{}).Retrieve(context.Background(), "q", 2, knowledge.Filters{})
	assert.Error(t, err)
}

type fakeBackfill struct {
	pending [][]PendingChunk
	stored  map[int64]string
}

func (f *fakeBackfill) Pending(context.Context, string, int) ([]PendingChunk, error) {
	if len(f.pending) == 0 {
		return nil, nil
	}
	p := f.pending[0]
	f.pending = f.pending[1:]
	return p, nil
}

func (f *fakeBackfill) SetEmbeddings(_ context.Context, ids []int64, vecs [][]float32, model string) error {
	if len(ids) != len(vecs) {
		return errors.New("mismatch")
	}
	for _, id := range ids {
		f.stored[id] = model
	}
	return nil
}

func TestBackfillRunOnce(t *testing.T) {
	f := &fakeBackfill{
		pending: [][]PendingChunk{
			{{ID: 1, Content: "a"}, {ID: 2, Content: "b"}},
			{{ID: 3, Content: "c"}},
		},
		stored: map[int64]string{},
	}
	w := NewBackfillWorker(f, staticEmbedder{}, 0, 2)
	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, map[int64]string{1: "static", 2: "static", 3: "static"}, f.stored)
}

func TestBackfillEmbedFailure(t *testing.T) {
	f := &fakeBackfill{pending: [][]PendingChunk{{{ID: 1, Content: "a"}}}, stored: map[int64]string{}}
	w := NewBackfillWorker(f, staticEmbedder{err: errors.New("down")}, 0, 2)
	n, err := w.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Zero(t, n)
}
