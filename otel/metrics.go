// Package otel provides OpenTelemetry integration for the ReplyKit server:
// stream/fan-out metrics, HTTP server tracing, and SDK wiring for the OTLP
// exporter.
package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// StreamMetrics records instruments for the event-propagation layer: open
// stream sessions, published events, and frames written to clients.
//
// A nil *StreamMetrics is valid and records nothing, so callers can treat
// metrics as optional.
type StreamMetrics struct {
	sessionsActive   metric.Int64UpDownCounter
	eventsPublished  metric.Int64Counter
	framesWritten    metric.Int64Counter
	deliveryDuration metric.Float64Histogram
}

// NewStreamMetrics creates StreamMetrics using the given meter.
func NewStreamMetrics(meter metric.Meter) (*StreamMetrics, error) {
	active, err := meter.Int64UpDownCounter("replykit.stream.sessions_active",
		metric.WithDescription("Number of currently open stream sessions"),
	)
	if err != nil {
		return nil, err
	}

	published, err := meter.Int64Counter("replykit.bus.events_published",
		metric.WithDescription("Number of entity-change events published on the bus"),
	)
	if err != nil {
		return nil, err
	}

	frames, err := meter.Int64Counter("replykit.stream.frames_written",
		metric.WithDescription("Number of SSE frames written to clients"),
	)
	if err != nil {
		return nil, err
	}

	delivery, err := meter.Float64Histogram("replykit.bus.delivery_duration",
		metric.WithDescription("Time spent fanning one event out to its subscribers"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &StreamMetrics{
		sessionsActive:   active,
		eventsPublished:  published,
		framesWritten:    frames,
		deliveryDuration: delivery,
	}, nil
}

// SessionOpened increments the active-session gauge for a topic.
func (m *StreamMetrics) SessionOpened(ctx context.Context, topic string) {
	if m == nil {
		return
	}
	m.sessionsActive.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

// SessionClosed decrements the active-session gauge for a topic.
func (m *StreamMetrics) SessionClosed(ctx context.Context, topic string) {
	if m == nil {
		return
	}
	m.sessionsActive.Add(ctx, -1, metric.WithAttributes(attribute.String("topic", topic)))
}

// EventPublished counts one published bus event.
func (m *StreamMetrics) EventPublished(ctx context.Context, topic string, changeType string) {
	if m == nil {
		return
	}
	m.eventsPublished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("change_type", changeType),
	))
}

// EventDelivered records how long one synchronous fan-out took.
func (m *StreamMetrics) EventDelivered(ctx context.Context, topic string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.deliveryDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("topic", topic)))
}

// FrameWritten counts one SSE frame written to a client.
func (m *StreamMetrics) FrameWritten(ctx context.Context, topic string, frameType string) {
	if m == nil {
		return
	}
	m.framesWritten.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("frame_type", frameType),
	))
}
