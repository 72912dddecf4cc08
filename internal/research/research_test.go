package research

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/council/internal/llm"
	"github.com/nous-labs/council/pkg/expert"
)

const ddgPage = `<html><body>
<div class="results">
  <div class="result results_links results_links_deep web-result">
    <h2 class="result__title">
      <a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Faapl&amp;rut=abc">Apple <b>stock</b> rises</a>
    </h2>
    <a class="result__snippet" href="#">Shares of   Apple rose 3% today.</a>
  </div>
  <div class="result results_links web-result">
    <a class="result__a" href="https://news.example.org/msft">Microsoft earnings</a>
    <a class="result__snippet">Microsoft beat expectations.</a>
  </div>
  <div class="result results_links web-result">
    <a class="result__a" href="https://third.example.net/">Third</a>
  </div>
</div>
</body></html>`

func TestDuckDuckGoSearch(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		_, _ = w.Write([]byte(ddgPage))
	}))
	defer srv.Close()

	got, err := NewDuckDuckGo(srv.URL+"/html/").Search(context.Background(), "AAPL stock price", 2)
	require.NoError(t, err)
	assert.Equal(t, "AAPL stock price", gotQuery)
	require.Len(t, got, 2)

	assert.Equal(t, Source{ID: 1, Title: "Apple stock rises", URL: "https://example.com/aapl", Snippet: "Shares of Apple rose 3% today."}, got[0])
	assert.Equal(t, 2, got[1].ID)
	assert.Equal(t, "https://news.example.org/msft", got[1].URL)
}

func TestDuckDuckGoHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewDuckDuckGo(srv.URL).Search(context.Background(), "q", 5)
	assert.Error(t, err)
}

type fakeSearcher struct {
	sources []Source
	err     error
}

func (f fakeSearcher) Search(context.Context, string, int) ([]Source, error) {
	return f.sources, f.err
}

type fakeSynth struct {
	answer string
	err    error
	prompt string
}

func (f *fakeSynth) Name() string { return "fake" }

func (f *fakeSynth) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.prompt = req.Messages[0].Content
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: f.answer}, nil
}

var twoSources = []Source{
	{ID: 1, Title: "Apple stock rises", URL: "https://example.com/aapl", Snippet: "Up 3%."},
	{ID: 2, Title: "Market wrap", URL: "https://example.com/wrap", Snippet: "Tech led gains."},
}

func TestAnswerWithCitations(t *testing.T) {
	synth := &fakeSynth{answer: "  Apple rose 3% today [SOURCE 1].  "}
	e := New(fakeSearcher{sources: twoSources}, synth, Config{})

	got, err := e.AnswerWithCitations(context.Background(), "AAPL news")
	require.NoError(t, err)
	assert.Equal(t, "Apple rose 3% today [SOURCE 1].\n\n**Sources:**\n[1] Apple stock rises\n    https://example.com/aapl\n[2] Market wrap\n    https://example.com/wrap", got)

	assert.Contains(t, synth.prompt, "[SOURCE 1]\nTitle: Apple stock rises\nURL: https://example.com/aapl\nContent: Up 3%.\n\n---\n[SOURCE 2]")
	assert.True(t, strings.HasSuffix(synth.prompt, "Question: AAPL news\n\nInstructions:\n- Cite facts with [SOURCE n] tags (e.g., \"Apple stock rose [SOURCE 1]\")\n- Be concise (2-3 sentences max)\n- If sources lack info, say \"The sources don't contain sufficient information\"\n- DO NOT make up information\n\nAnswer:"))
}

func TestAnswerShortBecomesInsufficient(t *testing.T) {
	e := New(fakeSearcher{sources: twoSources[:1]}, &fakeSynth{answer: "ok"}, Config{})
	got, err := e.AnswerWithCitations(context.Background(), "q")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, insufficient+"\n\n**Sources:**"))
}

func TestAnswerSynthesisFailureReturnsRawResults(t *testing.T) {
	e := New(fakeSearcher{sources: twoSources}, &fakeSynth{err: errors.New("timeout")}, Config{})
	got, err := e.AnswerWithCitations(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "**Search Results:**\n\n**[1] Apple stock rises**\nUp 3%.\nhttps://example.com/aapl\n\n**[2] Market wrap**\nTech led gains.\nhttps://example.com/wrap\n\n", got)
}

func TestAnswerNoResults(t *testing.T) {
	e := New(fakeSearcher{}, &fakeSynth{}, Config{})
	got, err := e.AnswerWithCitations(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, noResults, got)
}

func TestAnswerSearchFailure(t *testing.T) {
	e := New(fakeSearcher{err: errors.New("dns")}, &fakeSynth{}, Config{})
	_, err := e.AnswerWithCitations(context.Background(), "q")
	assert.ErrorIs(t, err, expert.ErrCollaboratorUnavailable)
}
