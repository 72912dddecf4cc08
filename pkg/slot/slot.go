// Package slot owns the single inference slot: at most one expert model is
// resident on the backend at any instant. Transitions hold the write side
// of one RWMutex; requests using the resident model hold a lease on the
// read side until they finish generating.
package slot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nous-labs/council/pkg/expert"
)

const (
	DefaultLoadTimeout   = 300 * time.Second
	DefaultUnloadTimeout = 30 * time.Second
)

// Backend is the part of the inference engine the slot drives.
type Backend interface {
	Load(ctx context.Context, model string) error
	Unload(ctx context.Context, model string) error
}

// State is a snapshot of the slot. The zero value is Empty.
type State struct {
	Loaded   bool            `json:"loaded"`
	Category expert.Category `json:"category,omitempty"`
	Model    string          `json:"model,omitempty"`
	Since    time.Time       `json:"since,omitempty"`
}

func (s State) String() string {
	if !s.Loaded {
		return "empty"
	}
	return "loaded(" + string(s.Category) + ")"
}

// EventKind names a slot transition.
type EventKind string

const (
	EventLoaded       EventKind = "loaded"
	EventLoadFailed   EventKind = "load_failed"
	EventUnloaded     EventKind = "unloaded"
	EventUnloadFailed EventKind = "unload_failed"
)

// Event describes one transition attempt.
type Event struct {
	Kind     EventKind
	Category expert.Category
	Model    string
	Elapsed  time.Duration
	Err      error
}

// Observer receives transition events. It is called with the slot lock held
// and must not call back into the Manager.
type Observer func(Event)

// Error is returned when a transition fails. It matches
// expert.ErrSlotLoadFailed under errors.Is.
type Error struct {
	Category expert.Category
	Model    string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("load %s (%s): %v", e.Category, e.Model, e.Err)
}

func (e *Error) Unwrap() []error { return []error{expert.ErrSlotLoadFailed, e.Err} }

// Config holds the slot's model table and timeouts.
type Config struct {
	Models        map[expert.Category]string
	LoadTimeout   time.Duration
	UnloadTimeout time.Duration
	Observer      Observer
}

// Manager is the expert slot state machine.
type Manager struct {
	backend Backend
	models  map[expert.Category]string

	loadTimeout   time.Duration
	unloadTimeout time.Duration
	observer      Observer

	mu sync.RWMutex // write: transitions; read: leases

	stateMu sync.RWMutex
	state   State
}

// NewManager creates an empty slot.
func NewManager(backend Backend, cfg Config) *Manager {
	m := &Manager{
		backend:       backend,
		models:        make(map[expert.Category]string, len(cfg.Models)),
		loadTimeout:   cfg.LoadTimeout,
		unloadTimeout: cfg.UnloadTimeout,
		observer:      cfg.Observer,
	}
	for c, name := range cfg.Models {
		m.models[c] = name
	}
	if m.loadTimeout <= 0 {
		m.loadTimeout = DefaultLoadTimeout
	}
	if m.unloadTimeout <= 0 {
		m.unloadTimeout = DefaultUnloadTimeout
	}
	return m
}

// Model returns the backend model name for c.
func (m *Manager) Model(c expert.Category) (string, bool) {
	name, ok := m.models[c]
	return name, ok && name != ""
}

// State returns a snapshot without waiting for an in-flight transition.
func (m *Manager) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// EnsureLoaded makes c the resident expert. If c is already loaded it
// returns without touching the backend. A switch waits for every
// outstanding lease to be released. Otherwise the current
// model is unloaded (failures are logged, not returned) and c is loaded.
// On failure the slot is left Empty.
//
// The transition runs to completion even if ctx is cancelled; the load and
// unload steps are bounded by their own timeouts.
func (m *Manager) EnsureLoaded(ctx context.Context, c expert.Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.State()
	if cur.Loaded && cur.Category == c {
		return nil
	}

	model, ok := m.Model(c)
	if !ok {
		return &Error{Category: c, Err: fmt.Errorf("no model configured")}
	}

	base := context.WithoutCancel(ctx)
	if cur.Loaded {
		m.unload(base, cur)
	}

	slog.Info("loading expert", "category", c, "model", model)
	start := time.Now()
	lctx, cancel := context.WithTimeout(base, m.loadTimeout)
	err := m.backend.Load(lctx, model)
	cancel()
	elapsed := time.Since(start)

	if err != nil {
		slog.Error("expert load failed", "category", c, "model", model, "elapsed", elapsed, "error", err)
		m.emit(Event{Kind: EventLoadFailed, Category: c, Model: model, Elapsed: elapsed, Err: err})
		return &Error{Category: c, Model: model, Err: err}
	}

	m.setState(State{Loaded: true, Category: c, Model: model, Since: time.Now()})
	slog.Info("expert loaded", "category", c, "model", model, "elapsed", elapsed)
	m.emit(Event{Kind: EventLoaded, Category: c, Model: model, Elapsed: elapsed})
	return nil
}

// Acquire loads c if needed and returns with a lease on it. Until release
// is called no transition can start, so the model stays resident for the
// whole request. release is safe to call more than once.
func (m *Manager) Acquire(ctx context.Context, c expert.Category) (release func(), err error) {
	for {
		m.mu.RLock()
		if cur := m.State(); cur.Loaded && cur.Category == c {
			return sync.OnceFunc(m.mu.RUnlock), nil
		}
		m.mu.RUnlock()

		// Another caller may switch the slot between this load and the
		// next RLock; loop until the lease lands on c.
		if err := m.EnsureLoaded(ctx, c); err != nil {
			return nil, err
		}
	}
}

// Release unloads whatever is resident. Used on shutdown.
func (m *Manager) Release(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.State()
	if !cur.Loaded {
		return
	}
	m.unload(context.WithoutCancel(ctx), cur)
}

// unload is best effort: the slot is Empty afterwards whatever the backend
// says. Caller holds mu.
func (m *Manager) unload(ctx context.Context, cur State) {
	slog.Info("unloading expert", "category", cur.Category, "model", cur.Model)
	start := time.Now()
	uctx, cancel := context.WithTimeout(ctx, m.unloadTimeout)
	err := m.backend.Unload(uctx, cur.Model)
	cancel()
	elapsed := time.Since(start)

	m.setState(State{})
	if err != nil {
		slog.Warn("expert unload failed", "category", cur.Category, "model", cur.Model, "elapsed", elapsed, "error", err)
		m.emit(Event{Kind: EventUnloadFailed, Category: cur.Category, Model: cur.Model, Elapsed: elapsed, Err: err})
		return
	}
	m.emit(Event{Kind: EventUnloaded, Category: cur.Category, Model: cur.Model, Elapsed: elapsed})
}

func (m *Manager) setState(s State) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
}

func (m *Manager) emit(ev Event) {
	if m.observer != nil {
		m.observer(ev)
	}
}
