package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	coredaemon "github.com/nous-labs/council/pkg/daemon"
	"github.com/nous-labs/council/pkg/dispatch"
	"github.com/nous-labs/council/pkg/session"
	"github.com/nous-labs/council/pkg/slot"
)

// Processor handles one user message.
type Processor interface {
	Process(ctx context.Context, sessionID, message, imagePath string) dispatch.Result
}

// SlotStater reports the expert slot state.
type SlotStater interface {
	State() slot.State
}

// API serves the council over HTTP.
type API struct {
	proc      Processor
	carrier   *session.Carrier
	slots     SlotStater
	events    *coredaemon.EventBus
	ready     func() bool
	startedAt time.Time
}

// NewAPI creates the HTTP handlers. ready reports whether the daemon has
// finished starting; nil means always ready.
func NewAPI(proc Processor, carrier *session.Carrier, slots SlotStater, events *coredaemon.EventBus, ready func() bool) *API {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &API{
		proc:      proc,
		carrier:   carrier,
		slots:     slots,
		events:    events,
		ready:     ready,
		startedAt: time.Now(),
	}
}

// NewServer returns an echo instance with middleware and routes installed.
func (a *API) NewServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger)
	a.RegisterRoutes(e)
	return e
}

// RegisterRoutes registers routes with the echo server.
func (a *API) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", a.Health)
	e.POST("/v1/sessions", a.CreateSession)
	e.POST("/v1/sessions/:session_id/messages", a.PostMessage)
	e.GET("/v1/sessions/:session_id/turns", a.GetTurns)
	e.GET("/v1/slot", a.GetSlot)
	e.GET("/v1/events", a.StreamEvents)
}

// requestLogger attaches a logger carrying the request and session ids to
// the request context.
func requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		rid := c.Response().Header().Get(echo.HeaderXRequestID)
		ctx := coredaemon.WithRequest(c.Request().Context(), c.Param("session_id"), rid)
		c.SetRequest(c.Request().WithContext(ctx))

		start := time.Now()
		err := next(c)
		coredaemon.Logger(ctx).Debug("http request",
			"method", c.Request().Method,
			"path", c.Path(),
			"status", c.Response().Status,
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
		return err
	}
}

// Health returns health status.
// GET /health
func (a *API) Health(c echo.Context) error {
	if !a.ready() {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "starting"})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(a.startedAt).Round(time.Second).String(),
		"slot":   a.slots.State().String(),
	})
}

// CreateSession allocates a new session.
// POST /v1/sessions
func (a *API) CreateSession(c echo.Context) error {
	id := a.carrier.CreateSession()
	return c.JSON(http.StatusCreated, map[string]string{"session_id": id})
}

type messageRequest struct {
	Message   string `json:"message"`
	ImagePath string `json:"image_path,omitempty"`
}

type messageResponse struct {
	Answer         string   `json:"answer"`
	Category       string   `json:"category"`
	Method         string   `json:"method"`
	Score          *float64 `json:"score,omitempty"` // omitted for image routing
	RewrittenQuery string   `json:"rewritten_query"`
	Failure        string   `json:"failure,omitempty"`
}

// PostMessage processes one user message in a session. Unknown sessions
// are created on first use.
// POST /v1/sessions/:session_id/messages
func (a *API) PostMessage(c echo.Context) error {
	ctx := c.Request().Context()
	sessionID := c.Param("session_id")

	var req messageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" && req.ImagePath == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "message is required"})
	}

	a.events.Publish(coredaemon.Event{Type: coredaemon.EventChat, Session: sessionID, Role: "user", Content: req.Message})
	res := a.proc.Process(ctx, sessionID, req.Message, req.ImagePath)

	cls := res.Classification
	a.events.Publish(coredaemon.Event{Type: coredaemon.EventChat, Session: sessionID, Role: "assistant", Content: res.Answer})

	resp := messageResponse{
		Answer:         res.Answer,
		Category:       string(cls.Category),
		Method:         string(cls.Method),
		RewrittenQuery: res.Rewritten,
		Failure:        res.Failure(),
	}
	if !math.IsInf(cls.Score, 0) && !math.IsNaN(cls.Score) {
		score := cls.Score
		resp.Score = &score
	}
	if resp.Failure != "" {
		coredaemon.Logger(ctx).Warn("message failed", "failure", resp.Failure, "category", cls.Category)
	}
	return c.JSON(http.StatusOK, resp)
}

// GetTurns returns a session's history.
// GET /v1/sessions/:session_id/turns
func (a *API) GetTurns(c echo.Context) error {
	sessionID := c.Param("session_id")
	if !a.carrier.Exists(sessionID) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	return c.JSON(http.StatusOK, a.carrier.Snapshot(sessionID))
}

// GetSlot reports which expert is resident.
// GET /v1/slot
func (a *API) GetSlot(c echo.Context) error {
	st := a.slots.State()
	resp := map[string]interface{}{"state": "empty"}
	if st.Loaded {
		resp["state"] = "loaded"
		resp["category"] = st.Category
		resp["model"] = st.Model
		resp["since"] = st.Since.Format(time.RFC3339)
	}
	return c.JSON(http.StatusOK, resp)
}

// StreamEvents streams bus events via SSE, replaying recent ones first.
// With ?session=ID only that session's events are sent.
// GET /v1/events
func (a *API) StreamEvents(c echo.Context) error {
	ctx := c.Request().Context()
	w := c.Response()
	session := c.QueryParam("session")
	keep := func(e coredaemon.Event) bool { return session == "" || e.Session == session }

	flusher, ok := w.Writer.(http.Flusher)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	events, done := a.events.Subscribe()
	defer a.events.Unsubscribe(done)

	slog.Info("SSE client connected", "subscribers", a.events.SubscriberCount())

	for _, e := range a.events.Recent(50) {
		if keep(e) {
			fmt.Fprintf(w, "data: %s\n\n", e.MarshalEvent())
		}
	}
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			slog.Info("SSE client disconnected", "subscribers", a.events.SubscriberCount()-1)
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if !keep(evt) {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", evt.MarshalEvent())
			flusher.Flush()
		}
	}
}
