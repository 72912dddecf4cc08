// Package session carries conversational context across turns.
//
// The Carrier keeps an append-only history per session and rewrites
// elliptical follow-ups ("what about MSFT?") into self-contained queries
// before they reach the router. Sessions are created on demand and, when a
// Store is attached, written through and rehydrated after a restart.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nous-labs/council/pkg/expert"
)

// Role is who produced a turn.
type Role string

const (
	User      Role = "user"
	Assistant Role = "assistant"
)

// Turn is one message in a session. Turns are never modified after append.
type Turn struct {
	Role       Role            `json:"role"`
	Content    string          `json:"content"`
	ExpertUsed expert.Category `json:"expert_used,omitempty"`
	Attempted  expert.Category `json:"attempted,omitempty"`
	Failure    string          `json:"failure,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID         string          `json:"id"`
	Turns      []Turn          `json:"turns"`
	LastExpert expert.Category `json:"last_expert,omitempty"`
	LastTopic  string          `json:"last_topic,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ErrNotFound is returned by a Store for unknown session ids.
var ErrNotFound = errors.New("session not found")

// Store persists sessions. pkg/journal provides the SQLite implementation.
type Store interface {
	CreateSession(id string, createdAt time.Time) error
	AppendTurn(id string, seq int, t Turn, lastExpert expert.Category, lastTopic string) error
	LoadSession(id string) (Snapshot, error)
}

type session struct {
	mu         sync.Mutex
	id         string
	turns      []Turn
	lastExpert expert.Category
	lastTopic  string
	createdAt  time.Time
}

// Carrier owns every session in the process.
type Carrier struct {
	mu       sync.RWMutex
	sessions map[string]*session

	rules []FollowUpRule
	store Store
	now   func() time.Time
}

// Option configures a Carrier.
type Option func(*Carrier)

// WithStore attaches a persistent store.
func WithStore(s Store) Option {
	return func(c *Carrier) { c.store = s }
}

// WithRules replaces the default follow-up rules.
func WithRules(rules []FollowUpRule) Option {
	return func(c *Carrier) { c.rules = rules }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Carrier) { c.now = now }
}

// NewCarrier creates an empty carrier.
func NewCarrier(opts ...Option) *Carrier {
	c := &Carrier{
		sessions: make(map[string]*session),
		rules:    DefaultRules(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateSession allocates a new session with a short random id.
func (c *Carrier) CreateSession() string {
	for {
		id := uuid.NewString()[:8]
		c.mu.Lock()
		if _, exists := c.sessions[id]; exists {
			c.mu.Unlock()
			continue
		}
		s := &session{id: id, createdAt: c.now()}
		c.sessions[id] = s
		c.mu.Unlock()

		if c.store != nil {
			if err := c.store.CreateSession(id, s.createdAt); err != nil {
				slog.Warn("session: persist create failed", "session", id, "error", err)
			}
		}
		slog.Info("session created", "session", id)
		return id
	}
}

// get returns the session for id, rehydrating from the store or creating
// it when unknown. Store I/O runs without the carrier lock; if two callers
// race on a new id, the first to insert wins.
func (c *Carrier) get(id string) *session {
	c.mu.RLock()
	s, ok := c.sessions[id]
	c.mu.RUnlock()
	if ok {
		return s
	}

	fresh := c.load(id)

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[id]; ok {
		return s
	}
	c.sessions[id] = fresh
	return fresh
}

func (c *Carrier) load(id string) *session {
	s := &session{id: id, createdAt: c.now()}
	if c.store == nil {
		return s
	}
	snap, err := c.store.LoadSession(id)
	switch {
	case err == nil:
		s.turns = snap.Turns
		s.lastExpert = snap.LastExpert
		s.lastTopic = snap.LastTopic
		s.createdAt = snap.CreatedAt
		slog.Info("session rehydrated", "session", id, "turns", len(snap.Turns))
	case errors.Is(err, ErrNotFound):
		if err := c.store.CreateSession(id, s.createdAt); err != nil {
			slog.Warn("session: persist create failed", "session", id, "error", err)
		}
	default:
		slog.Warn("session: rehydrate failed, starting empty", "session", id, "error", err)
	}
	return s
}

// RecordTurn appends a turn to the session, creating the session if needed.
func (c *Carrier) RecordTurn(sessionID string, role Role, content string, expertUsed expert.Category) Turn {
	return c.Append(sessionID, Turn{Role: role, Content: content, ExpertUsed: expertUsed})
}

// Append records t with a timestamp strictly after the previous turn.
func (c *Carrier) Append(sessionID string, t Turn) Turn {
	s := c.get(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.appendLocked(s, t)
}

func (c *Carrier) appendLocked(s *session, t Turn) Turn {
	ts := c.now()
	if n := len(s.turns); n > 0 && !ts.After(s.turns[n-1].Timestamp) {
		ts = s.turns[n-1].Timestamp.Add(time.Nanosecond)
	}
	t.Timestamp = ts
	s.turns = append(s.turns, t)
	if t.Role == Assistant && t.ExpertUsed != "" {
		s.lastExpert = t.ExpertUsed
	}

	if c.store != nil {
		c.persistLocked(s, t)
	}
	return t
}

// persistLocked writes the newest turn. A session the store no longer knows
// (expired while still live here) is written back with its full history.
func (c *Carrier) persistLocked(s *session, t Turn) {
	err := c.store.AppendTurn(s.id, len(s.turns)-1, t, s.lastExpert, s.lastTopic)
	if errors.Is(err, ErrNotFound) {
		err = c.restoreLocked(s)
	}
	if err != nil {
		slog.Warn("session: persist turn failed", "session", s.id, "error", err)
	}
}

func (c *Carrier) restoreLocked(s *session) error {
	if err := c.store.CreateSession(s.id, s.createdAt); err != nil {
		return err
	}
	for i, t := range s.turns {
		if err := c.store.AppendTurn(s.id, i, t, s.lastExpert, s.lastTopic); err != nil {
			return fmt.Errorf("restore turn %d: %w", i, err)
		}
	}
	slog.Info("session restored to store", "session", s.id, "turns", len(s.turns))
	return nil
}

// Rewrite resolves query against the session's history. The current query
// must already be recorded: the previous user query is the second-to-last
// user turn.
func (c *Carrier) Rewrite(sessionID, query string) string {
	s := c.get(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.rewriteLocked(s, query)
}

// Begin records the raw user message and rewrites query under a single lock
// so concurrent messages on one session cannot interleave.
func (c *Carrier) Begin(sessionID, raw, query string) string {
	s := c.get(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	c.appendLocked(s, Turn{Role: User, Content: raw})
	return c.rewriteLocked(s, query)
}

func (c *Carrier) rewriteLocked(s *session, query string) string {
	prev, ok := previousUserQuery(s.turns)
	if !ok {
		s.lastTopic = query
		return query
	}
	out, rule := Rewrite(c.rules, prev, query)
	if out != query {
		slog.Debug("session: query rewritten", "session", s.id, "rule", rule, "previous", prev, "rewritten", out)
	}
	s.lastTopic = out
	return out
}

func previousUserQuery(turns []Turn) (string, bool) {
	seen := 0
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role != User {
			continue
		}
		seen++
		if seen == 2 {
			return turns[i].Content, true
		}
	}
	return "", false
}

// History returns a copy of the session's turns.
func (c *Carrier) History(sessionID string) []Turn {
	s := c.get(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Snapshot returns a copy of the whole session.
func (c *Carrier) Snapshot(sessionID string) Snapshot {
	s := c.get(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := make([]Turn, len(s.turns))
	copy(turns, s.turns)
	return Snapshot{
		ID:         s.id,
		Turns:      turns,
		LastExpert: s.lastExpert,
		LastTopic:  s.lastTopic,
		CreatedAt:  s.createdAt,
	}
}

const recentContentLimit = 200

// RecentContext formats the last maxTurns turns as "User: ..." and
// "Assistant: ..." lines, truncating long content.
func (c *Carrier) RecentContext(sessionID string, maxTurns int) string {
	turns := c.History(sessionID)
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		prefix := "Assistant"
		if t.Role == User {
			prefix = "User"
		}
		content := t.Content
		if r := []rune(content); len(r) > recentContentLimit {
			content = string(r[:recentContentLimit]) + "..."
		}
		lines = append(lines, fmt.Sprintf("%s: %s", prefix, content))
	}
	return strings.Join(lines, "\n")
}

// Exists reports whether the session is held in memory or in the store,
// without creating it.
func (c *Carrier) Exists(sessionID string) bool {
	c.mu.RLock()
	_, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if ok || c.store == nil {
		return ok
	}
	_, err := c.store.LoadSession(sessionID)
	return err == nil
}

// Len returns the number of sessions held in memory.
func (c *Carrier) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}
