package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coredaemon "github.com/nous-labs/council/pkg/daemon"
	"github.com/nous-labs/council/pkg/expert"
	"github.com/nous-labs/council/pkg/knowledge"
	"github.com/nous-labs/council/pkg/slot"
)

func testConfig(t *testing.T) *coredaemon.Config {
	t.Helper()
	return &coredaemon.Config{
		HTTPAddr:   "127.0.0.1:0",
		Ollama:     coredaemon.OllamaConfig{URL: "http://127.0.0.1:1"},
		Embeddings: coredaemon.EmbeddingsConfig{Provider: "none"},
		Knowledge:  coredaemon.KnowledgeConfig{Enabled: true},
		Journal:    coredaemon.JournalConfig{Path: filepath.Join(t.TempDir(), "journal.db")},
	}
}

func TestNewWiresJournal(t *testing.T) {
	d, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer d.Close()

	require.NotNil(t, d.Dispatcher())
	id := d.Carrier().CreateSession()
	assert.True(t, d.Carrier().Exists(id))
	assert.Equal(t, 1, d.journal.Stats().Sessions)
	assert.False(t, d.isHealthy())
}

func TestRetrieveBeforeConnect(t *testing.T) {
	d, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer d.Close()

	_, err = d.Retrieve(context.Background(), "tcp handshake", 3, knowledge.Filters{})
	assert.True(t, errors.Is(err, errKnowledgeUnavailable))
}

func TestSlotEventsPublished(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.Path = ""
	d, err := New(context.Background(), cfg)
	require.NoError(t, err)

	d.onSlotEvent(slot.Event{Kind: slot.EventLoaded, Category: expert.Math, Model: "qwen2-math:7b-instruct"})
	d.onSlotEvent(slot.Event{Kind: slot.EventLoadFailed, Category: expert.Vision, Model: "llava:7b", Err: errors.New("HTTP 500")})

	events := d.Events().Recent(0)
	require.Len(t, events, 2)
	assert.Equal(t, coredaemon.EventSlot, events[0].Type)
	assert.Equal(t, "math", events[0].Category)
	assert.Equal(t, "loaded Math (qwen2-math:7b-instruct)", events[0].Message)
	assert.Equal(t, "load_failed Vision (llava:7b): HTTP 500", events[1].Message)
}

func TestDispatchEventsCarrySession(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.Path = ""
	d, err := New(context.Background(), cfg)
	require.NoError(t, err)

	// Nothing listens on port 1, so the Knowledge load fails.
	res := d.Dispatcher().Process(context.Background(), "room-1", "explain TCP", "")
	require.ErrorIs(t, res.Err, expert.ErrSlotLoadFailed)

	var tagged []coredaemon.Event
	for _, e := range d.Events().Recent(0) {
		if e.Type == coredaemon.EventRoute || e.Type == coredaemon.EventError {
			tagged = append(tagged, e)
		}
	}
	require.Len(t, tagged, 2)
	assert.Equal(t, coredaemon.EventRoute, tagged[0].Type)
	assert.Equal(t, "Knowledge via keyword", tagged[0].Message)
	assert.Equal(t, "knowledge", tagged[0].Category)
	assert.Equal(t, "Knowledge: SlotLoadFailed", tagged[1].Message)
	for _, e := range tagged {
		assert.Equal(t, "room-1", e.Session)
	}
}
