package client

import (
	"sync"
	"time"
)

// DefaultStatusThreshold is the maximum heartbeat silence before the
// extension is considered not installed.
const DefaultStatusThreshold = 60 * time.Second

// StatusWatcher derives an "extension installed" boolean purely from heartbeat
// recency: installed means a heartbeat arrived within the threshold. An open
// stream by itself proves nothing beyond that window.
//
// Wire MarkHeartbeat as the client's OnHeartbeat handler.
type StatusWatcher struct {
	mu        sync.Mutex
	threshold time.Duration
	lastBeat  time.Time
	now       func() time.Time
}

// NewStatusWatcher creates a watcher. A non-positive threshold uses
// DefaultStatusThreshold.
func NewStatusWatcher(threshold time.Duration) *StatusWatcher {
	if threshold <= 0 {
		threshold = DefaultStatusThreshold
	}
	return &StatusWatcher{
		threshold: threshold,
		now:       time.Now,
	}
}

// MarkHeartbeat records a heartbeat arrival.
func (w *StatusWatcher) MarkHeartbeat() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastBeat = w.now()
}

// Installed reports whether a heartbeat arrived within the threshold.
func (w *StatusWatcher) Installed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.lastBeat.IsZero() {
		return false
	}
	return w.now().Sub(w.lastBeat) <= w.threshold
}
