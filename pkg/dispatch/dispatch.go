// Package dispatch ties the council together: it rewrites a message against
// its session, routes it, makes sure the right expert is resident, adds
// retrieved or researched context, and records both sides of the exchange.
package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nous-labs/council/pkg/expert"
	"github.com/nous-labs/council/pkg/knowledge"
	"github.com/nous-labs/council/pkg/session"
)

// Classifier routes a query.
type Classifier interface {
	Classify(ctx context.Context, query string, hasImage bool) expert.Classification
}

// Slot keeps one expert resident. Acquire returns with the expert loaded
// and pinned until release is called.
type Slot interface {
	Acquire(ctx context.Context, c expert.Category) (release func(), err error)
	Model(c expert.Category) (string, bool)
}

// Backend runs a prompt on the resident expert.
type Backend interface {
	Generate(ctx context.Context, req expert.GenerateRequest) (string, error)
}

// Researcher answers from live web sources.
type Researcher interface {
	AnswerWithCitations(ctx context.Context, question string) (string, error)
}

// Event is a routing decision ("route") or a failed answer ("error").
type Event struct {
	Session  string
	Type     string
	Category expert.Category
	Message  string
}

// EventFunc is a callback for publishing dispatch events.
type EventFunc func(Event)

// Config holds generation and retrieval settings.
type Config struct {
	Params           map[expert.Category]expert.Params
	KnowledgeK       int
	MaxCharsPerChunk int
	Filters          knowledge.Filters
	RetrievalTimeout time.Duration
}

// Dispatcher processes messages end to end. It is safe for concurrent use.
type Dispatcher struct {
	carrier    *session.Carrier
	classifier Classifier
	slot       Slot
	backend    Backend
	retriever  knowledge.Retriever
	research   Researcher
	onEvent    EventFunc
	cfg        Config
}

// Option configures optional collaborators.
type Option func(*Dispatcher)

// WithRetriever enables context injection for Knowledge queries.
func WithRetriever(r knowledge.Retriever) Option {
	return func(d *Dispatcher) { d.retriever = r }
}

// WithResearcher enables the Research expert.
func WithResearcher(r Researcher) Option {
	return func(d *Dispatcher) { d.research = r }
}

// WithEvents publishes routing and failure events.
func WithEvents(fn EventFunc) Option {
	return func(d *Dispatcher) { d.onEvent = fn }
}

// New creates a dispatcher.
func New(carrier *session.Carrier, classifier Classifier, slot Slot, backend Backend, cfg Config, opts ...Option) *Dispatcher {
	if cfg.KnowledgeK <= 0 {
		cfg.KnowledgeK = knowledge.DefaultK
	}
	if cfg.MaxCharsPerChunk <= 0 {
		cfg.MaxCharsPerChunk = knowledge.DefaultMaxCharsPerChunk
	}
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = 30 * time.Second
	}
	d := &Dispatcher{
		carrier:    carrier,
		classifier: classifier,
		slot:       slot,
		backend:    backend,
		cfg:        cfg,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Result is the outcome of one message.
type Result struct {
	Answer         string                `json:"answer"`
	Classification expert.Classification `json:"classification"`
	Rewritten      string                `json:"rewritten_query"`
	ImagePath      string                `json:"image_path,omitempty"`
	Err            error                 `json:"-"`
}

// Failure returns the failure class name, or "" on success.
func (r Result) Failure() string { return expert.FailureName(r.Err) }

// Handle processes message and returns only the answer text.
func (d *Dispatcher) Handle(ctx context.Context, sessionID, message, imagePath string) string {
	return d.Process(ctx, sessionID, message, imagePath).Answer
}

// Process handles one user message. Failures never escape as errors: the
// user gets a readable message and the failure is recorded on the session.
func (d *Dispatcher) Process(ctx context.Context, sessionID, message, imagePath string) Result {
	query, embedded := ExtractImagePath(message)
	if embedded != "" {
		imagePath = embedded
	}
	hasImage := imagePath != ""

	rewritten := d.carrier.Begin(sessionID, message, query)
	cls := d.classifier.Classify(ctx, rewritten, hasImage)

	log := slog.With("session", sessionID, "category", cls.Category, "method", cls.Method)
	log.Info("query routed", "score", cls.Score, "rewritten", rewritten != query)
	d.emit(Event{
		Session:  sessionID,
		Type:     "route",
		Category: cls.Category,
		Message:  fmt.Sprintf("%s via %s", cls.Category.Label(), cls.Method),
	})

	res := Result{Classification: cls, Rewritten: rewritten, ImagePath: imagePath}

	var answer string
	var err error
	if cls.Category == expert.Research {
		answer, err = d.answerResearch(ctx, rewritten)
	} else {
		answer, err = d.answerExpert(ctx, cls.Category, rewritten, imagePath)
	}

	if err != nil {
		res.Err = err
		res.Answer = userMessage(cls.Category, err)
		log.Warn("query failed", "failure", expert.FailureName(err), "error", err)
		d.emit(Event{
			Session:  sessionID,
			Type:     "error",
			Category: cls.Category,
			Message:  fmt.Sprintf("%s: %s", cls.Category.Label(), expert.FailureName(err)),
		})
		d.carrier.Append(sessionID, session.Turn{
			Role:      session.Assistant,
			Content:   res.Answer,
			Attempted: cls.Category,
			Failure:   expert.FailureName(err),
		})
		return res
	}

	res.Answer = answer
	d.carrier.RecordTurn(sessionID, session.Assistant, answer, cls.Category)
	return res
}

func (d *Dispatcher) answerResearch(ctx context.Context, query string) (string, error) {
	if d.research == nil {
		return "", fmt.Errorf("%w: research is not configured", expert.ErrCollaboratorUnavailable)
	}
	return d.research.AnswerWithCitations(context.WithoutCancel(ctx), query)
}

func (d *Dispatcher) answerExpert(ctx context.Context, c expert.Category, query, imagePath string) (string, error) {
	release, err := d.slot.Acquire(ctx, c)
	if err != nil {
		return "", err
	}
	defer release()
	model, _ := d.slot.Model(c)

	prompt := query
	if c == expert.Knowledge {
		prompt = d.knowledgePrompt(ctx, query)
	}

	params := d.params(c)
	req := expert.GenerateRequest{
		Model:       model,
		Prompt:      prompt,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	}
	if c == expert.Vision && imagePath != "" {
		data, err := os.ReadFile(imagePath)
		if err != nil {
			slog.Warn("image unreadable, sending text only", "path", imagePath, "error", err)
		} else {
			req.Images = []string{base64.StdEncoding.EncodeToString(data)}
		}
	}

	// Generation is not cancelled by the caller going away; it runs to its
	// own deadline.
	gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), params.Timeout)
	defer cancel()

	start := time.Now()
	answer, err := d.backend.Generate(gctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, expert.ErrBackendTimeout) {
			err = fmt.Errorf("%w: %w", expert.ErrBackendTimeout, err)
		}
		if expert.FailureName(err) == "" {
			err = fmt.Errorf("%w: %w", expert.ErrBackendError, err)
		}
		return "", err
	}
	slog.Debug("expert answered", "category", c, "model", model, "elapsed", time.Since(start), "chars", len(answer))
	return answer, nil
}

// knowledgePrompt wraps query with retrieved context. Without a retriever,
// or when retrieval fails, the bare query is used.
func (d *Dispatcher) knowledgePrompt(ctx context.Context, query string) string {
	if d.retriever == nil {
		return query
	}
	rctx, cancel := context.WithTimeout(ctx, d.cfg.RetrievalTimeout)
	defer cancel()

	chunks, err := d.retriever.Retrieve(rctx, query, d.cfg.KnowledgeK, d.cfg.Filters)
	if err != nil {
		slog.Warn("knowledge retrieval unavailable, answering without context", "error", err)
		return query
	}
	return knowledge.Prompt(knowledge.BuildContext(chunks, d.cfg.MaxCharsPerChunk), query)
}

func (d *Dispatcher) params(c expert.Category) expert.Params {
	p := expert.DefaultParams(c)
	if o, ok := d.cfg.Params[c]; ok {
		if o.Temperature > 0 {
			p.Temperature = o.Temperature
		}
		if o.MaxTokens > 0 {
			p.MaxTokens = o.MaxTokens
		}
		if o.Timeout > 0 {
			p.Timeout = o.Timeout
		}
	}
	return p
}

func (d *Dispatcher) emit(e Event) {
	if d.onEvent != nil {
		d.onEvent(e)
	}
}

// userMessage renders a failure for the person asking.
func userMessage(c expert.Category, err error) string {
	switch {
	case errors.Is(err, expert.ErrSlotLoadFailed):
		return fmt.Sprintf("Error [SlotLoadFailed]: could not load the %s expert: %v", c.Label(), err)
	case errors.Is(err, expert.ErrBackendTimeout):
		return "Response timed out [BackendTimeout]. The question may be too complex. Try asking a simpler version."
	case errors.Is(err, expert.ErrCollaboratorUnavailable):
		return fmt.Sprintf("Error [CollaboratorUnavailable]: the %s expert is unavailable: %v", c.Label(), err)
	default:
		return fmt.Sprintf("Error [BackendError]: %v", err)
	}
}
