package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrTooManySubscribers is returned by Subscribe when a (topic, owner) key
// already has the maximum number of registrations.
var ErrTooManySubscribers = errors.New("bus: too many subscribers for key")

// ErrBusClosed is returned by Subscribe after the bus has been closed.
var ErrBusClosed = errors.New("bus: closed")

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// MaxPerKey caps concurrent registrations per (topic, owner) key, so one
	// user can keep several tabs and devices connected without letting a
	// single key grow without bound (default: 100).
	MaxPerKey int

	// Logger receives isolated subscriber failures (default: slog.Default()).
	Logger *slog.Logger
}

type subKey struct {
	topic Topic
	owner string
}

// MemBus is the in-process Bus implementation: a registration table keyed by
// (topic, owner), with synchronous fan-out on the publisher's goroutine.
type MemBus struct {
	mu        sync.RWMutex
	subs      map[subKey][]*memSub
	maxPerKey int
	logger    *slog.Logger
	closed    bool
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	maxPerKey := config.MaxPerKey
	if maxPerKey <= 0 {
		maxPerKey = 100
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MemBus{
		subs:      make(map[subKey][]*memSub),
		maxPerKey: maxPerKey,
		logger:    logger,
	}
}

// Publish delivers the event to every subscriber registered under its
// (topic, owner) key, in registration order. A handler panic is recovered and
// logged; it never prevents delivery to the remaining subscribers or reaches
// the publishing call site. If the bus is closed, the event is dropped.
func (b *MemBus) Publish(event Event) {
	if event.Topic.Global() {
		event.OwnerID = GlobalOwner
	}
	key := subKey{topic: event.Topic, owner: event.OwnerID}

	// Snapshot the registration list under the lock, then invoke outside it.
	// A handler that subscribes or unsubscribes mid-delivery must not corrupt
	// the iteration or deadlock.
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]*memSub, len(b.subs[key]))
	copy(targets, b.subs[key])
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.deliver(event, b.logger)
	}
}

// Subscribe registers a handler under (topic, ownerID). Global topics are
// always registered under GlobalOwner regardless of the ownerID passed.
func (b *MemBus) Subscribe(topic Topic, ownerID string, fn Handler) (Subscription, error) {
	if fn == nil {
		return nil, errors.New("bus: subscribe with nil handler")
	}
	if topic.Global() {
		ownerID = GlobalOwner
	}
	key := subKey{topic: topic, owner: ownerID}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if len(b.subs[key]) >= b.maxPerKey {
		return nil, fmt.Errorf("%w: %s/%s", ErrTooManySubscribers, topic, ownerID)
	}

	sub := &memSub{bus: b, key: key, fn: fn}
	b.subs[key] = append(b.subs[key], sub)
	return sub, nil
}

// SubscriberCount reports the number of live registrations under a
// (topic, owner) key.
func (b *MemBus) SubscriberCount(topic Topic, ownerID string) int {
	if topic.Global() {
		ownerID = GlobalOwner
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[subKey{topic: topic, owner: ownerID}])
}

// Close shuts down the bus. Registered subscriptions are discarded; later
// publishes are dropped and later subscribes fail with ErrBusClosed.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.subs = make(map[subKey][]*memSub)
	return nil
}

// remove drops one registration from its key's list. Missing registrations
// (already removed, or bus closed) are ignored so Subscription.Close stays
// idempotent.
func (b *MemBus) remove(sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.subs[sub.key]
	for i, candidate := range regs {
		if candidate == sub {
			b.subs[sub.key] = append(regs[:i], regs[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.key]) == 0 {
		delete(b.subs, sub.key)
	}
}

// memSub is one live registration on a MemBus.
type memSub struct {
	bus *MemBus
	key subKey
	fn  Handler

	mu     sync.Mutex
	closed bool
}

// Close removes the registration from the bus. Safe to call multiple times.
func (s *memSub) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.bus.remove(s)
	return nil
}

// deliver invokes the handler, isolating panics. A closed subscription drops
// the event: disconnect may race with an in-flight publish that snapshotted
// the registration list before removal.
func (s *memSub) deliver(event Event, logger *slog.Logger) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("bus subscriber panicked",
				"topic", event.Topic,
				"owner_id", event.OwnerID,
				"panic", r,
			)
		}
	}()
	s.fn(event)
}

// Compile-time interface checks.
var _ Bus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
