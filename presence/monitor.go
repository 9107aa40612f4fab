package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/replykit/replykit/bus"
)

// DefaultSweepInterval is how often the monitor recomputes liveness. It must
// be well under the threshold so transitions are noticed promptly.
const DefaultSweepInterval = 5 * time.Second

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Tracker  Tracker
	Bus      bus.Bus
	Interval time.Duration
	Logger   *slog.Logger
}

// Monitor periodically recomputes the derived installed/active flag per owner
// and publishes an extension-status event when it flips. Steady state is
// silent: subscribers only hear about transitions.
type Monitor struct {
	tracker  Tracker
	bus      bus.Bus
	interval time.Duration
	logger   *slog.Logger

	// known holds the last pushed state per owner, guarded by mu so a manual
	// Sweep cannot race the loop. Only true entries are kept; an absent owner
	// is implicitly inactive.
	mu    sync.Mutex
	known map[string]bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor creates a Monitor from the given configuration.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Tracker == nil {
		return nil, errors.New("presence: monitor tracker is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("presence: monitor bus is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		tracker:  cfg.Tracker,
		bus:      cfg.Bus,
		interval: interval,
		logger:   logger,
		known:    make(map[string]bool),
	}, nil
}

// Start launches the sweep loop.
func (m *Monitor) Start(ctx context.Context) error {
	if m.stopCh != nil {
		return errors.New("presence: monitor already started")
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.run(ctx)
	return nil
}

// Stop halts the sweep loop and waits for it to finish.
func (m *Monitor) Stop(ctx context.Context) error {
	if m.stopCh == nil {
		return nil
	}
	close(m.stopCh)
	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep recomputes liveness for every owner that is currently active or was
// active at the last sweep, publishing one event per transition. Exported so
// callers can force a recomputation (and tests can drive it without timers).
func (m *Monitor) Sweep(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owners, err := m.tracker.Owners(ctx)
	if err != nil {
		m.logger.Warn("presence sweep: list owners failed", "error", err)
		return
	}

	candidates := make(map[string]struct{}, len(owners)+len(m.known))
	for _, owner := range owners {
		candidates[owner] = struct{}{}
	}
	for owner := range m.known {
		candidates[owner] = struct{}{}
	}

	for owner := range candidates {
		active, err := m.tracker.Active(ctx, owner)
		if err != nil {
			m.logger.Warn("presence sweep: liveness check failed",
				"owner_id", owner, "error", err)
			continue
		}
		if active == m.known[owner] {
			continue
		}

		if active {
			m.known[owner] = true
		} else {
			delete(m.known, owner)
		}
		m.bus.Publish(bus.Event{
			Type:    bus.ChangeUpdated,
			Topic:   bus.TopicExtensionStatus,
			OwnerID: owner,
			Payload: map[string]any{"installed": active},
			Time:    time.Now().UTC(),
		})
	}
}
