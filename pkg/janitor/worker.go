// Package janitor implements the council's journal maintenance worker.
//
// The janitor runs as a background goroutine, periodically expiring
// sessions that have been idle longer than the retention window and
// publishing a short report of each cycle to the event bus. Sessions
// already held in memory are unaffected; only the persisted copy goes.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nous-labs/council/pkg/journal"
)

// EventFunc is a callback for publishing janitor events.
// Parameters: event type, message.
type EventFunc func(typ, message string)

// Journal is the subset of *journal.Journal the janitor needs.
type Journal interface {
	Stats() journal.Stats
	ExpireIdle(cutoff time.Time) (int, error)
}

// Report holds the results of a single cycle.
type Report struct {
	CycleNumber int           `json:"cycle_number"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    string        `json:"duration"`
	Cutoff      time.Time     `json:"cutoff"`
	Before      journal.Stats `json:"before"`
	After       journal.Stats `json:"after"`
	Expired     int           `json:"expired"`

	// Errors (non-fatal)
	Errors []string `json:"errors,omitempty"`
}

// Worker is the janitor background worker.
type Worker struct {
	journal    Journal
	onEvent    EventFunc
	interval   time.Duration
	retention  time.Duration
	startDelay time.Duration
	now        func() time.Time

	mu         sync.RWMutex
	lastReport *Report
	cycleCount int
}

// Config holds janitor configuration.
type Config struct {
	Interval   time.Duration // how often to sweep (default 6h)
	Retention  time.Duration // idle time before a session expires (default 30 days)
	StartDelay time.Duration // wait before the first sweep (DefaultConfig: 30s)
}

// DefaultConfig returns the default janitor settings.
func DefaultConfig() Config {
	return Config{
		Interval:   6 * time.Hour,
		Retention:  30 * 24 * time.Hour,
		StartDelay: 30 * time.Second,
	}
}

// NewWorker creates a janitor for j.
func NewWorker(j Journal, onEvent EventFunc, cfg Config) *Worker {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.StartDelay < 0 {
		cfg.StartDelay = def.StartDelay
	}
	return &Worker{
		journal:    j,
		onEvent:    onEvent,
		interval:   cfg.Interval,
		retention:  cfg.Retention,
		startDelay: cfg.StartDelay,
		now:        time.Now,
	}
}

// Run starts the sweep loop. Blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("janitor started", "interval", w.interval, "retention", w.retention)
	w.emit("status", "Janitor started")

	select {
	case <-ctx.Done():
		return
	case <-time.After(w.startDelay):
	}

	w.logReport(w.SweepOnce(ctx))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("janitor stopping")
			w.emit("status", "Janitor stopped")
			return
		case <-ticker.C:
			w.logReport(w.SweepOnce(ctx))
		}
	}
}

// SweepOnce runs a single cycle and returns its report.
func (w *Worker) SweepOnce(ctx context.Context) *Report {
	w.mu.Lock()
	w.cycleCount++
	cycle := w.cycleCount
	w.mu.Unlock()

	began := time.Now()
	start := w.now()
	report := &Report{
		CycleNumber: cycle,
		StartedAt:   start,
		Cutoff:      start.Add(-w.retention),
		Before:      w.journal.Stats(),
	}

	if ctx.Err() == nil {
		n, err := w.journal.ExpireIdle(report.Cutoff)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("expire: %v", err))
			slog.Warn("janitor: expire failed", "error", err)
		}
		report.Expired = n
	}

	report.After = w.journal.Stats()
	report.Duration = time.Since(began).Round(time.Millisecond).String()

	w.mu.Lock()
	w.lastReport = report
	w.mu.Unlock()
	return report
}

// LastReport returns the most recent report, or nil before the first cycle.
func (w *Worker) LastReport() *Report {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastReport
}

func (w *Worker) logReport(report *Report) {
	summary := fmt.Sprintf(
		"Janitor cycle %d complete (%s): %d sessions expired, %d sessions / %d turns retained",
		report.CycleNumber,
		report.Duration,
		report.Expired,
		report.After.Sessions,
		report.After.Turns,
	)
	if len(report.Errors) > 0 {
		summary += fmt.Sprintf(", %d errors", len(report.Errors))
	}

	slog.Info("janitor: cycle complete", "summary", summary)
	w.emit("status", summary)
}

func (w *Worker) emit(typ, message string) {
	if w.onEvent != nil {
		w.onEvent(typ, message)
	}
}
