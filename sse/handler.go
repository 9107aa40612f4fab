// Package sse serves the Server-Sent-Events stream endpoints that push
// entity-change events to the web dashboard and the browser extension. Each
// open stream is one session: it subscribes to the event bus under the
// caller's (topic, owner) key, sends a connected frame and a full snapshot,
// then forwards live events with periodic heartbeats until the client
// disconnects.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/replykit/replykit/bus"
	"github.com/replykit/replykit/otel"
)

// DefaultHeartbeatInterval is the cadence of heartbeat frames. It must stay
// well under common intermediary idle timeouts (60s is typical).
const DefaultHeartbeatInterval = 30 * time.Second

// eventQueueSize bounds the per-session queue between the bus callback and
// the session's writer loop. Overflow drops events; delivery is best-effort
// and the snapshot-on-reconnect path catches clients up.
const eventQueueSize = 64

// Identity is the resolved caller identity for a stream request.
type Identity struct {
	ID    string
	Email string
	Role  string
}

// IdentityFunc resolves the caller from request credentials (session cookie
// or bearer token). ok=false means the request is unauthenticated.
type IdentityFunc func(r *http.Request) (Identity, bool, error)

// SnapshotSource provides the current full state for a (topic, owner) key,
// pushed as the first data frame so a fresh session never waits for a delta.
type SnapshotSource interface {
	Snapshot(ctx context.Context, topic bus.Topic, ownerID string) (any, error)
}

// HandlerConfig configures a stream Handler.
type HandlerConfig struct {
	Bus               bus.Bus
	Snapshots         SnapshotSource
	Identify          IdentityFunc
	HeartbeatInterval time.Duration
	Metrics           *otel.StreamMetrics
	Logger            *slog.Logger
}

// Handler serves one SSE stream per request on GET /api/stream/{topic}.
//
// Frame format is "data: <JSON>\n\n" with these envelopes:
//
//	{"type":"connected","message":...}
//	{"type":"<topic>","data":<snapshot>,"timestamp":<ms>}
//	{"type":"created|updated|deleted","data":<delta>,"timestamp":<ms>}
//	{"type":"heartbeat"}
//	{"type":"error","message":...}
//
// Unauthenticated requests are rejected with 401 before the stream is
// established. The stream itself has no deadline; it lives until the client
// disconnects or a write fails.
type Handler struct {
	bus       bus.Bus
	snapshots SnapshotSource
	identify  IdentityFunc
	heartbeat time.Duration
	metrics   *otel.StreamMetrics
	logger    *slog.Logger
}

// NewHandler creates a stream Handler from the given configuration.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("sse: bus is required")
	}
	if cfg.Snapshots == nil {
		return nil, fmt.Errorf("sse: snapshot source is required")
	}
	if cfg.Identify == nil {
		return nil, fmt.Errorf("sse: identity func is required")
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		bus:       cfg.Bus,
		snapshots: cfg.Snapshots,
		identify:  cfg.Identify,
		heartbeat: heartbeat,
		metrics:   cfg.Metrics,
		logger:    logger,
	}, nil
}

// ServeHTTP implements http.Handler. It expects a "topic" path value
// (Go 1.22+ ServeMux).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topic, ok := bus.ParseTopic(r.PathValue("topic"))
	if !ok {
		http.Error(w, "unknown topic", http.StatusNotFound)
		return
	}

	identity, ok, err := h.identify(r)
	if err != nil {
		http.Error(w, "identity resolution failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	owner := identity.ID
	if topic.Global() {
		owner = bus.GlobalOwner
	}

	sess := &session{
		w:       w,
		flusher: flusher,
		topic:   topic,
		owner:   owner,
		events:  make(chan bus.Event, eventQueueSize),
		metrics: h.metrics,
		logger:  h.logger,
	}

	// Subscribe before fetching the snapshot: a mutation committing while the
	// session is still connecting lands in the queue and is written after the
	// snapshot frame, so the client always sees snapshot-then-delta.
	sub, err := h.bus.Subscribe(topic, owner, sess.enqueue)
	if err != nil {
		http.Error(w, "too many concurrent streams", http.StatusTooManyRequests)
		return
	}
	sess.sub = sub
	h.metrics.SessionOpened(r.Context(), topic.String())
	defer sess.close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sess.run(r.Context(), h.snapshots, h.heartbeat)
}

// frame is the JSON envelope for every SSE data frame.
type frame struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// session owns one open stream. It is owned exclusively by the HTTP request
// that created it; the bus holds only the enqueue callback.
type session struct {
	w       http.ResponseWriter
	flusher http.Flusher
	topic   bus.Topic
	owner   string
	events  chan bus.Event
	sub     bus.Subscription
	metrics *otel.StreamMetrics
	logger  *slog.Logger

	closeOnce sync.Once
}

// enqueue is the bus callback. It must not block the publisher: a full queue
// drops the event.
func (s *session) enqueue(e bus.Event) {
	select {
	case s.events <- e:
	default:
		s.logger.Warn("stream session queue full, dropping event",
			"topic", s.topic, "owner_id", s.owner)
	}
}

// close tears the session down: unsubscribe from the bus and record the
// closure. Disconnect handling and write-failure handling both land here, so
// it must be safe to invoke more than once.
func (s *session) close() {
	s.closeOnce.Do(func() {
		_ = s.sub.Close()
		s.metrics.SessionClosed(context.Background(), s.topic.String())
	})
}

// run drives the session: connected frame, snapshot frame, then live events
// and heartbeats until disconnect or write failure.
func (s *session) run(ctx context.Context, snapshots SnapshotSource, heartbeat time.Duration) {
	if err := s.writeFrame(ctx, frame{
		Type:    "connected",
		Message: "subscribed to " + s.topic.String(),
	}); err != nil {
		return
	}

	snap, err := snapshots.Snapshot(ctx, s.topic, s.owner)
	if err != nil {
		s.logger.Error("stream snapshot failed",
			"topic", s.topic, "owner_id", s.owner, "error", err)
		_ = s.writeFrame(ctx, frame{Type: "error", Message: "snapshot unavailable"})
		return
	}
	if err := s.writeFrame(ctx, frame{
		Type:      s.topic.String(),
		Data:      snap,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		return
	}

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client disconnect is the only cancellation signal.
			return

		case e := <-s.events:
			if err := s.writeFrame(ctx, deltaFrame(e)); err != nil {
				// Write failure means the client is gone; same teardown path
				// as a disconnect, nothing to escalate.
				return
			}

		case <-ticker.C:
			if err := s.writeFrame(ctx, frame{Type: "heartbeat"}); err != nil {
				return
			}
		}
	}
}

// deltaFrame maps a bus event to its wire envelope.
func deltaFrame(e bus.Event) frame {
	data := any(e.Payload)
	if e.Payload == nil && e.EntityID != "" {
		data = map[string]any{"id": e.EntityID}
	}
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return frame{
		Type:      string(e.Type),
		Data:      data,
		Timestamp: ts.UnixMilli(),
	}
}

// writeFrame writes one "data: <JSON>" frame and flushes it.
func (s *session) writeFrame(ctx context.Context, f frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("sse: marshal frame: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	s.metrics.FrameWritten(ctx, s.topic.String(), f.Type)
	return nil
}
