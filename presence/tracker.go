// Package presence tracks browser-extension heartbeats and derives per-user
// liveness: a user whose extension has sent a heartbeat within the threshold
// is considered installed and active. The derived boolean is recomputed
// server-side and pushed over the event bus only when it changes.
package presence

import (
	"context"
	"sync"
	"time"
)

// DefaultThreshold is the maximum allowed silence before an extension is
// considered inactive.
const DefaultThreshold = 60 * time.Second

// Tracker records heartbeats and answers liveness queries.
type Tracker interface {
	// Touch records a heartbeat for the owner at the current time.
	Touch(ctx context.Context, ownerID string) error

	// Active reports whether the owner heartbeated within the threshold.
	Active(ctx context.Context, ownerID string) (bool, error)

	// Owners lists owners currently considered active. Owners whose record
	// has aged out may be omitted; the Monitor tracks disappearance itself.
	Owners(ctx context.Context) ([]string, error)
}

// MemTracker is the single-instance Tracker: last-seen timestamps in memory.
type MemTracker struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	threshold time.Duration
	now       func() time.Time
}

// NewMemTracker creates an in-memory tracker. A non-positive threshold uses
// DefaultThreshold.
func NewMemTracker(threshold time.Duration) *MemTracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &MemTracker{
		seen:      make(map[string]time.Time),
		threshold: threshold,
		now:       time.Now,
	}
}

// Touch records a heartbeat for the owner.
func (t *MemTracker) Touch(_ context.Context, ownerID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen[ownerID] = t.now()
	return nil
}

// Active reports whether the owner heartbeated within the threshold. The
// window is inclusive: a heartbeat exactly threshold-old still counts.
func (t *MemTracker) Active(_ context.Context, ownerID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.seen[ownerID]
	if !ok {
		return false, nil
	}
	return t.now().Sub(last) <= t.threshold, nil
}

// Owners lists owners with a heartbeat inside the threshold, pruning records
// that have aged out so the map stays bounded by the active population.
func (t *MemTracker) Owners(_ context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	owners := make([]string, 0, len(t.seen))
	for owner, last := range t.seen {
		if now.Sub(last) > t.threshold {
			delete(t.seen, owner)
			continue
		}
		owners = append(owners, owner)
	}
	return owners, nil
}

var _ Tracker = (*MemTracker)(nil)
