// Package journal persists council sessions in SQLite.
//
// The journal is the write-through store behind session.Carrier: every
// session and turn is recorded as it happens, so a restarted daemon can
// pick a conversation up where it left off. The janitor expires sessions
// that have gone quiet.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nous-labs/council/pkg/expert"
	"github.com/nous-labs/council/pkg/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	created_at     INTEGER NOT NULL,
	last_active_at INTEGER NOT NULL,
	last_expert    TEXT NOT NULL DEFAULT '',
	last_topic     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS turns (
	session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq         INTEGER NOT NULL,
	role        TEXT NOT NULL,
	content     TEXT NOT NULL,
	expert_used TEXT NOT NULL DEFAULT '',
	attempted   TEXT NOT NULL DEFAULT '',
	failure     TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active_at);
`

// Journal is a SQLite-backed session.Store.
type Journal struct {
	db   *sql.DB
	path string
}

var _ session.Store = (*Journal)(nil)

// Stats holds journal counts.
type Stats struct {
	Sessions int `json:"sessions"`
	Turns    int `json:"turns"`
}

// Open opens the journal database at path, creating it and its parent
// directory when missing.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	// Single connection: one writer at a time.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}

	j := &Journal{db: db, path: path}
	stats := j.Stats()
	slog.Info("journal opened", "path", path, "sessions", stats.Sessions, "turns", stats.Turns)
	return j, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Path returns the database file path.
func (j *Journal) Path() string {
	return j.path
}

// Stats returns row counts. Errors read as zero.
func (j *Journal) Stats() Stats {
	var s Stats
	j.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&s.Sessions)
	j.db.QueryRow("SELECT COUNT(*) FROM turns").Scan(&s.Turns)
	return s
}

// CreateSession records a new session. Creating an existing session is a
// no-op.
func (j *Journal) CreateSession(id string, createdAt time.Time) error {
	ts := createdAt.UnixNano()
	_, err := j.db.Exec(
		`INSERT OR IGNORE INTO sessions (id, created_at, last_active_at) VALUES (?, ?, ?)`,
		id, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", id, err)
	}
	return nil
}

// AppendTurn records turn seq of session id and bumps the session's
// activity and context columns.
func (j *Journal) AppendTurn(id string, seq int, t session.Turn, lastExpert expert.Category, lastTopic string) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("append turn: begin: %w", err)
	}
	defer tx.Rollback()

	ts := t.Timestamp.UnixNano()
	res, err := tx.Exec(
		`UPDATE sessions SET last_active_at = ?, last_expert = ?, last_topic = ? WHERE id = ?`,
		ts, string(lastExpert), lastTopic, id,
	)
	if err != nil {
		return fmt.Errorf("append turn: update session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("append turn: %s: %w", id, session.ErrNotFound)
	}

	if _, err := tx.Exec(
		`INSERT INTO turns (session_id, seq, role, content, expert_used, attempted, failure, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, seq, string(t.Role), t.Content, string(t.ExpertUsed), string(t.Attempted), t.Failure, ts,
	); err != nil {
		return fmt.Errorf("append turn %s/%d: %w", id, seq, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append turn: commit: %w", err)
	}
	return nil
}

// LoadSession returns the stored session with its turns in order.
func (j *Journal) LoadSession(id string) (session.Snapshot, error) {
	var (
		snap       session.Snapshot
		createdAt  int64
		lastExpert string
	)
	err := j.db.QueryRow(
		`SELECT id, created_at, last_expert, last_topic FROM sessions WHERE id = ?`, id,
	).Scan(&snap.ID, &createdAt, &lastExpert, &snap.LastTopic)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Snapshot{}, session.ErrNotFound
	}
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("load session %s: %w", id, err)
	}
	snap.CreatedAt = time.Unix(0, createdAt)
	snap.LastExpert = expert.Category(lastExpert)

	rows, err := j.db.Query(
		`SELECT role, content, expert_used, attempted, failure, created_at
		 FROM turns WHERE session_id = ? ORDER BY seq`, id,
	)
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("load turns %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t                     session.Turn
			role, used, attempted string
			ts                    int64
		)
		if err := rows.Scan(&role, &t.Content, &used, &attempted, &t.Failure, &ts); err != nil {
			return session.Snapshot{}, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = session.Role(role)
		t.ExpertUsed = expert.Category(used)
		t.Attempted = expert.Category(attempted)
		t.Timestamp = time.Unix(0, ts)
		snap.Turns = append(snap.Turns, t)
	}
	return snap, rows.Err()
}

// ExpireIdle deletes sessions whose last activity is before cutoff, along
// with their turns. It returns how many sessions were removed.
func (j *Journal) ExpireIdle(cutoff time.Time) (int, error) {
	res, err := j.db.Exec(`DELETE FROM sessions WHERE last_active_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("expire sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Debug("journal: sessions expired", "count", n, "cutoff", cutoff)
	}
	return int(n), nil
}
