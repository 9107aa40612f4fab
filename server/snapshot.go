package server

import (
	"context"
	"fmt"

	"github.com/replykit/replykit/bus"
)

// Snapshot returns the full current state for a (topic, owner) key. The
// stream handler pushes it as the first data frame of every session, so a
// freshly connected client starts from complete state instead of waiting for
// a delta.
func (s *Server) Snapshot(ctx context.Context, topic bus.Topic, ownerID string) (any, error) {
	switch topic {
	case bus.TopicReply:
		replies, err := s.replies.ListReplies(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		if replies == nil {
			replies = []SavedReplyRecord{}
		}
		return replies, nil

	case bus.TopicConfig:
		rec, ok, err := s.configs.GetConfig(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		if !ok {
			rec = DefaultExtensionConfig(ownerID)
		}
		return rec, nil

	case bus.TopicFeatures:
		return s.flagMap(ctx)

	case bus.TopicAppSettings:
		return s.settingMap(ctx)

	case bus.TopicExtensionStatus:
		installed := false
		if s.presence != nil {
			active, err := s.presence.Active(ctx, ownerID)
			if err != nil {
				return nil, err
			}
			installed = active
		}
		return map[string]bool{"installed": installed}, nil
	}

	return nil, fmt.Errorf("no snapshot for topic %q", topic)
}
