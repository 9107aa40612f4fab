package server

import (
	"context"
	"time"

	"github.com/replykit/replykit/bus"
)

// publishChange emits exactly one entity-change event after a successful
// write. It must be called only once the store write has committed, and it
// must never fail the triggering request: fan-out problems are logged and
// swallowed. Every mutating handler routes through here so all topics share
// the same push mechanism.
func (s *Server) publishChange(ctx context.Context, typ bus.ChangeType, topic bus.Topic, ownerID, entityID string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("change publish failed",
				"topic", topic, "type", typ, "owner_id", ownerID, "panic", r)
		}
	}()

	start := time.Now()
	s.bus.Publish(bus.Event{
		Type:     typ,
		Topic:    topic,
		OwnerID:  ownerID,
		EntityID: entityID,
		Payload:  payload,
		Time:     start.UTC(),
	})
	s.metrics.EventPublished(ctx, topic.String(), string(typ))
	s.metrics.EventDelivered(ctx, topic.String(), time.Since(start))
}
