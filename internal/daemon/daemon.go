// Package daemon implements the council daemon: it wires the router, the
// expert slot, the session carrier and the optional collaborators
// together, and serves them over HTTP and Matrix until shut down.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nous-labs/council/internal/channel/matrix"
	"github.com/nous-labs/council/internal/llm"
	"github.com/nous-labs/council/internal/research"
	"github.com/nous-labs/council/pkg/channel"
	coredaemon "github.com/nous-labs/council/pkg/daemon"
	"github.com/nous-labs/council/pkg/dispatch"
	"github.com/nous-labs/council/pkg/embeddings"
	"github.com/nous-labs/council/pkg/janitor"
	"github.com/nous-labs/council/pkg/journal"
	"github.com/nous-labs/council/pkg/knowledge"
	"github.com/nous-labs/council/pkg/router"
	"github.com/nous-labs/council/pkg/session"
	"github.com/nous-labs/council/pkg/slot"
)

// errKnowledgeUnavailable is returned by Retrieve until pgvector is up.
var errKnowledgeUnavailable = errors.New("knowledge store not connected")

// Daemon is the main council process.
type Daemon struct {
	config *coredaemon.Config
	events *coredaemon.EventBus

	journal    *journal.Journal
	carrier    *session.Carrier
	backend    *llm.Ollama
	slot       *slot.Manager
	dispatcher *dispatch.Dispatcher
	api        *API
	matrix     *matrix.Channel
	janitor    *janitor.Worker

	// Knowledge retrieval (optional, requires pgvector + an embedder)
	embedder   embeddings.Embedder
	embedMu    sync.RWMutex // protects embedStore/retriever for lazy reconnect
	embedStore *embeddings.Store
	retriever  *embeddings.Retriever

	startedAt time.Time
	healthyMu sync.RWMutex
	healthy   bool
}

// New builds a daemon from cfg. Optional collaborators that fail to come up
// are logged and left out; only a broken journal is fatal.
func New(ctx context.Context, cfg *coredaemon.Config) (*Daemon, error) {
	d := &Daemon{
		config:    cfg,
		events:    coredaemon.NewEventBus(),
		startedAt: time.Now(),
	}

	// Session journal
	carrierOpts := []session.Option{}
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		d.journal = j
		carrierOpts = append(carrierOpts, session.WithStore(j))
	} else {
		slog.Info("journal disabled, sessions live in memory only")
	}
	d.carrier = session.NewCarrier(carrierOpts...)

	// Inference backend and expert slot
	d.backend = llm.NewOllama(cfg.Ollama.URL, "")
	d.slot = slot.NewManager(d.backend, slot.Config{
		Models:        cfg.Models(),
		LoadTimeout:   coredaemon.Duration(cfg.Ollama.LoadTimeout, slot.DefaultLoadTimeout),
		UnloadTimeout: coredaemon.Duration(cfg.Ollama.UnloadTimeout, slot.DefaultUnloadTimeout),
		Observer:      d.onSlotEvent,
	})

	// Embeddings back both the router's fallback tier and knowledge retrieval.
	emb, err := embeddings.New(ctx, embeddings.Options{
		Provider: cfg.Embeddings.Provider,
		URL:      cfg.Embeddings.URL,
		Model:    cfg.Embeddings.Model,
		APIKey:   cfg.Embeddings.APIKey,
		Prefixes: cfg.Embeddings.Prefixes,
	})
	if err != nil {
		slog.Warn("embedder unavailable, router runs keyword-only", "provider", cfg.Embeddings.Provider, "error", err)
	} else {
		d.embedder = emb
		slog.Info("embedder configured", "name", emb.Name())
	}

	var routerOpts []router.Option
	if cfg.Router.Threshold > 0 {
		routerOpts = append(routerOpts, router.WithThreshold(cfg.Router.Threshold))
	}
	var routerEmbedder router.Embedder
	if d.embedder != nil {
		routerEmbedder = d.embedder
	}
	classifier := router.New(ctx, routerEmbedder, routerOpts...)

	// Dispatcher and its collaborators
	dispatchOpts := []dispatch.Option{
		dispatch.WithEvents(d.onDispatchEvent),
	}
	if cfg.Research.Enabled {
		dispatchOpts = append(dispatchOpts, dispatch.WithResearcher(d.newResearcher()))
	}
	if cfg.Knowledge.Enabled {
		dispatchOpts = append(dispatchOpts, dispatch.WithRetriever(d))
		if cfg.Knowledge.PostgresURL == "" || d.embedder == nil {
			slog.Warn("knowledge enabled but missing config",
				"has_pg_url", cfg.Knowledge.PostgresURL != "",
				"has_embedder", d.embedder != nil,
			)
		} else if !d.tryInitKnowledge() {
			slog.Info("knowledge store will retry in background when pgvector becomes available")
		}
	}
	d.dispatcher = dispatch.New(d.carrier, classifier, d.slot, d.backend, dispatch.Config{
		Params:           cfg.Params(),
		KnowledgeK:       cfg.Knowledge.K,
		MaxCharsPerChunk: cfg.Knowledge.MaxCharsPerChunk,
		Filters:          knowledge.Filters{Subject: cfg.Knowledge.Subject},
	}, dispatchOpts...)

	d.api = NewAPI(d.dispatcher, d.carrier, d.slot, d.events, d.isHealthy)

	if cfg.Matrix.Homeserver != "" {
		d.matrix = matrix.New(matrix.Config{
			Homeserver:   cfg.Matrix.Homeserver,
			UserID:       cfg.Matrix.UserID,
			Password:     cfg.Matrix.Password,
			ServerName:   cfg.Matrix.ServerName,
			AllowedUsers: cfg.Matrix.AllowedUsers,
			DataDir:      cfg.Matrix.DataDir,
		})
	}
	return d, nil
}

// localSynthesisModel backs hosted synthesis when the hosted call fails.
const localSynthesisModel = "qwen3:8b"

// newResearcher builds the research expert. Hosted synthesis falls back to
// the local backend. Each provider carries its own model.
func (d *Daemon) newResearcher() *research.Expert {
	rc := d.config.Research
	sc := rc.Synthesis

	var synth llm.Provider = llm.NewOllama(d.config.Ollama.URL, sc.Model)
	fallback := llm.NewOllama(d.config.Ollama.URL, localSynthesisModel)
	switch strings.ToLower(sc.Provider) {
	case "anthropic":
		if sc.APIKey == "" {
			slog.Warn("anthropic synthesis configured without api key, using ollama")
			synth = fallback
			break
		}
		hosted := llm.NewAnthropic(sc.APIKey, sc.Model)
		if sc.BaseURL != "" {
			hosted = llm.NewAnthropicCompat("anthropic", sc.BaseURL, sc.APIKey, sc.Model)
		}
		synth = llm.NewChain(hosted, fallback)
	case "openai":
		if sc.BaseURL == "" {
			slog.Warn("openai synthesis configured without base url, using ollama")
			synth = fallback
			break
		}
		synth = llm.NewChain(llm.NewOpenAICompat("openai", sc.BaseURL, sc.APIKey, sc.Model), fallback)
	}

	searcher := research.NewDuckDuckGo(rc.SearchURL)
	slog.Info("research expert configured", "synthesis", synth.Name(), "max_results", rc.MaxResults)
	return research.New(searcher, synth, research.Config{
		MaxResults:  rc.MaxResults,
		Temperature: sc.Temperature,
		MaxTokens:   sc.MaxOutput,
		Timeout:     coredaemon.Duration(rc.Timeout, research.DefaultTimeout),
	})
}

// Dispatcher returns the message pipeline.
func (d *Daemon) Dispatcher() *dispatch.Dispatcher { return d.dispatcher }

// Carrier returns the session carrier.
func (d *Daemon) Carrier() *session.Carrier { return d.carrier }

// Events returns the event bus.
func (d *Daemon) Events() *coredaemon.EventBus { return d.events }

// Retrieve implements knowledge.Retriever over the lazily connected store.
func (d *Daemon) Retrieve(ctx context.Context, query string, k int, f knowledge.Filters) ([]knowledge.Chunk, error) {
	d.embedMu.RLock()
	r := d.retriever
	d.embedMu.RUnlock()
	if r == nil {
		return nil, errKnowledgeUnavailable
	}
	return r.Retrieve(ctx, query, k, f)
}

func (d *Daemon) onSlotEvent(ev slot.Event) {
	msg := fmt.Sprintf("%s %s (%s)", ev.Kind, ev.Category.Label(), ev.Model)
	if ev.Err != nil {
		msg += ": " + ev.Err.Error()
	}
	d.events.Publish(coredaemon.Event{Type: coredaemon.EventSlot, Category: string(ev.Category), Message: msg})
}

// tryInitKnowledge attempts to connect to pgvector and initialize the chunk store.
// Returns true if successful, false if connection failed (caller should retry later).
func (d *Daemon) tryInitKnowledge() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := embeddings.NewStore(ctx, d.config.Knowledge.PostgresURL, d.config.Knowledge.Dimensions)
	if err != nil {
		slog.Warn("knowledge unavailable, pgvector connection failed", "error", err)
		return false
	}

	if err := store.Init(ctx); err != nil {
		slog.Warn("knowledge unavailable, schema init failed", "error", err)
		store.Close()
		return false
	}

	d.embedMu.Lock()
	d.embedStore = store
	d.retriever = embeddings.NewRetriever(store, d.embedder)
	d.embedMu.Unlock()

	if total, embedded, err := store.Stats(ctx); err == nil {
		slog.Info("knowledge store initialized", "chunks", total, "embedded", embedded)
	}
	return true
}

// retryKnowledge runs a background loop to reconnect pgvector.
// Tries every 30s for up to 10 minutes, then gives up.
func (d *Daemon) retryKnowledge(ctx context.Context) {
	const maxRetries = 20
	const retryInterval = 30 * time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			slog.Info("knowledge retry cancelled")
			return
		case <-time.After(retryInterval):
		}

		slog.Info("retrying knowledge store connection", "attempt", attempt, "max", maxRetries)
		if d.tryInitKnowledge() {
			slog.Info("knowledge store reconnected, starting embedding backfill")
			d.events.Publish(coredaemon.Event{Type: coredaemon.EventStatus, Message: "knowledge store connected"})
			d.startBackfillWorker(ctx)
			return
		}
	}

	slog.Error("knowledge store permanently unavailable after retries", "attempts", maxRetries)
}

// startBackfillWorker embeds chunks that were ingested without vectors.
func (d *Daemon) startBackfillWorker(ctx context.Context) {
	d.embedMu.RLock()
	store := d.embedStore
	d.embedMu.RUnlock()

	if store == nil || d.embedder == nil {
		return
	}
	interval := coredaemon.Duration(d.config.Knowledge.SyncInterval, 30*time.Second)
	worker := embeddings.NewBackfillWorker(store, d.embedder, interval, d.config.Knowledge.BatchSize)
	go worker.Run(ctx)
}

func (d *Daemon) setHealthy(v bool) {
	d.healthyMu.Lock()
	d.healthy = v
	d.healthyMu.Unlock()
}

func (d *Daemon) isHealthy() bool {
	d.healthyMu.RLock()
	defer d.healthyMu.RUnlock()
	return d.healthy
}

// Run starts the HTTP API, the Matrix bridge and the background workers.
// Blocks until ctx is cancelled or a listener fails.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("council daemon running",
		"http", d.config.HTTPAddr,
		"matrix", d.config.Matrix.Homeserver,
		"journal", d.journal != nil,
	)

	// Knowledge backfill, or background reconnect if pgvector was not ready.
	d.embedMu.RLock()
	hasStore := d.embedStore != nil
	d.embedMu.RUnlock()
	if hasStore {
		d.startBackfillWorker(ctx)
	} else if d.config.Knowledge.Enabled && d.config.Knowledge.PostgresURL != "" && d.embedder != nil {
		go d.retryKnowledge(ctx)
	}

	// Journal janitor
	if d.journal != nil && !d.config.Janitor.Disabled {
		jcfg := janitor.DefaultConfig()
		jcfg.Interval = coredaemon.Duration(d.config.Janitor.Interval, jcfg.Interval)
		jcfg.Retention = coredaemon.Duration(d.config.Janitor.Retention, jcfg.Retention)
		d.janitor = janitor.NewWorker(d.journal, d.events.Func("janitor"), jcfg)
		go d.janitor.Run(ctx)
	} else {
		slog.Info("janitor disabled")
	}

	errCh := make(chan error, 2)

	srv := d.api.NewServer()
	go func() {
		slog.Info("API listening", "addr", d.config.HTTPAddr)
		if err := srv.Start(d.config.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http api: %w", err)
		}
	}()

	if d.matrix != nil {
		go func() {
			slog.Info("starting matrix channel")
			if err := d.matrix.Start(ctx, d.onMessage); err != nil {
				errCh <- fmt.Errorf("matrix channel: %w", err)
			}
		}()
	}

	d.setHealthy(true)
	d.events.Publish(coredaemon.Event{Type: coredaemon.EventStatus, Message: "council ready"})

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	case err := <-errCh:
		if ctx.Err() == nil {
			runErr = err
		}
	}

	// Graceful shutdown
	d.setHealthy(false)
	if d.matrix != nil {
		d.matrix.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	d.Close()

	slog.Info("council daemon shut down")
	return runErr
}

// Close releases the expert slot and closes the stores.
func (d *Daemon) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d.slot.Release(ctx)

	d.embedMu.Lock()
	if d.embedStore != nil {
		d.embedStore.Close()
		d.embedStore = nil
		d.retriever = nil
	}
	d.embedMu.Unlock()

	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			slog.Warn("journal close", "error", err)
		}
	}
}

func (d *Daemon) onDispatchEvent(e dispatch.Event) {
	d.events.Publish(coredaemon.Event{
		Type:     e.Type,
		Session:  e.Session,
		Category: string(e.Category),
		Message:  e.Message,
	})
}

// onMessage answers a chat message. The room id is the session id.
func (d *Daemon) onMessage(ctx context.Context, msg channel.Message) error {
	start := time.Now()
	d.events.Publish(coredaemon.Event{Type: coredaemon.EventChat, Session: msg.RoomID, Role: "user", Content: msg.Content})

	res := d.dispatcher.Process(ctx, msg.RoomID, msg.Content, msg.ImagePath)
	slog.Info("response ready",
		"source", msg.Source,
		"session", msg.RoomID,
		"category", res.Classification.Category,
		"failure", res.Failure(),
		"elapsed", time.Since(start).Round(time.Millisecond),
		"len", len(res.Answer),
	)
	d.events.Publish(coredaemon.Event{Type: coredaemon.EventChat, Session: msg.RoomID, Role: "assistant", Content: res.Answer})

	if err := d.matrix.Send(ctx, channel.Response{RoomID: msg.RoomID, Content: res.Answer}); err != nil {
		return fmt.Errorf("send response: %w", err)
	}
	return nil
}
