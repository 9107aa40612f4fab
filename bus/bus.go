// Package bus provides the in-process event distribution layer for ReplyKit.
// CRUD handlers publish entity-change events after a successful write, and
// open stream sessions subscribe to the (topic, owner) keys they care about.
// Delivery is synchronous, best-effort, and scoped to a single process: an
// event published while no session is registered is lost.
package bus

import "time"

// Topic identifies a logical change-notification channel. The set is closed
// and known at compile time; one topic per synced entity kind.
type Topic string

const (
	// TopicReply carries saved-reply mutations, scoped per user.
	TopicReply Topic = "reply"

	// TopicConfig carries extension-configuration changes, scoped per user.
	TopicConfig Topic = "config"

	// TopicFeatures carries feature-flag changes, global to all users.
	TopicFeatures Topic = "features"

	// TopicAppSettings carries app-setting changes, global to all users.
	TopicAppSettings Topic = "app-settings"

	// TopicExtensionStatus carries derived extension liveness transitions,
	// scoped per user.
	TopicExtensionStatus Topic = "extension-status"
)

// GlobalOwner is the owner key used for topics whose events apply to every
// user rather than a single one.
const GlobalOwner = "*"

// String returns the string representation of the Topic.
func (t Topic) String() string {
	return string(t)
}

// Global reports whether events on this topic fan out under GlobalOwner
// instead of a per-user owner key.
func (t Topic) Global() bool {
	return t == TopicFeatures || t == TopicAppSettings
}

// ParseTopic validates a topic name taken from a request path.
func ParseTopic(s string) (Topic, bool) {
	switch Topic(s) {
	case TopicReply, TopicConfig, TopicFeatures, TopicAppSettings, TopicExtensionStatus:
		return Topic(s), true
	}
	return "", false
}

// ChangeType describes what happened to the entity an event refers to.
type ChangeType string

const (
	// ChangeCreated indicates a new entity was persisted.
	ChangeCreated ChangeType = "created"

	// ChangeUpdated indicates an existing entity was modified.
	ChangeUpdated ChangeType = "updated"

	// ChangeDeleted indicates an entity was removed.
	ChangeDeleted ChangeType = "deleted"
)

// Event is an immutable fact describing one committed mutation. Events are
// constructed after the underlying write succeeds, delivered synchronously to
// the sessions registered at that moment, and never stored.
type Event struct {
	// Type identifies the kind of change.
	Type ChangeType

	// Topic is the channel this event fans out on.
	Topic Topic

	// OwnerID is the owning user's ID, or GlobalOwner for global topics.
	OwnerID string

	// EntityID identifies the affected entity, if it has a stable ID.
	EntityID string

	// Payload carries the topic-specific snapshot or delta. Keep it small.
	Payload map[string]any

	// Time is when the mutation committed.
	Time time.Time
}

// Handler receives events for one subscription. Handlers run synchronously on
// the publisher's goroutine; they must not block.
type Handler func(Event)

// Bus distributes events to subscribers keyed by (topic, owner).
//
// The interface is the substitution seam for a future multi-instance
// deployment: a broker-backed implementation can replace MemBus without
// touching stream sessions or publisher call sites. As designed, fan-out is
// intentionally single-process.
type Bus interface {
	// Publish delivers an event to every subscriber registered under the
	// event's (topic, owner) key, in registration order. Subscriber failures
	// are isolated and never propagate to the caller.
	Publish(event Event)

	// Subscribe registers a handler under (topic, ownerID).
	// The returned Subscription must be closed when done.
	Subscribe(topic Topic, ownerID string, fn Handler) (Subscription, error)

	// Close shuts down the bus; later publishes are dropped.
	Close() error
}

// Subscription is one live registration on the bus.
type Subscription interface {
	// Close removes the registration. It is idempotent: closing twice is a
	// no-op, never an error.
	Close() error
}
