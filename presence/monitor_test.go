package presence

import (
	"context"
	"testing"
	"time"

	"github.com/replykit/replykit/bus"
)

type statusChange struct {
	owner     string
	installed bool
}

func collectStatus(t *testing.T, b bus.Bus, owner string) *[]statusChange {
	t.Helper()

	changes := &[]statusChange{}
	sub, err := b.Subscribe(bus.TopicExtensionStatus, owner, func(e bus.Event) {
		installed, _ := e.Payload["installed"].(bool)
		*changes = append(*changes, statusChange{owner: e.OwnerID, installed: installed})
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Close() })
	return changes
}

func TestMonitor_PublishesOnTransitionOnly(t *testing.T) {
	ctx := context.Background()

	tr := NewMemTracker(60 * time.Second)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := base
	tr.now = func() time.Time { return now }

	b := bus.NewMemBus(bus.MemBusConfig{})
	defer b.Close()
	changes := collectStatus(t, b, "u1")

	m, err := NewMonitor(MonitorConfig{Tracker: tr, Bus: b})
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	// No heartbeat yet: nothing to push.
	m.Sweep(ctx)
	if len(*changes) != 0 {
		t.Fatalf("sweep before heartbeat published %d events, want 0", len(*changes))
	}

	// First heartbeat flips inactive -> active.
	_ = tr.Touch(ctx, "u1")
	m.Sweep(ctx)
	if len(*changes) != 1 || !(*changes)[0].installed {
		t.Fatalf("after heartbeat changes = %v, want one installed=true", *changes)
	}

	// Steady state stays silent.
	now = base.Add(30 * time.Second)
	m.Sweep(ctx)
	m.Sweep(ctx)
	if len(*changes) != 1 {
		t.Fatalf("steady-state sweeps published %d events, want 1 total", len(*changes))
	}

	// Silence past the threshold flips active -> inactive, once.
	now = base.Add(90 * time.Second)
	m.Sweep(ctx)
	m.Sweep(ctx)
	if len(*changes) != 2 {
		t.Fatalf("after silence changes = %v, want exactly one transition to false", *changes)
	}
	if (*changes)[1].installed {
		t.Fatal("second transition should report installed=false")
	}
}

func TestMonitor_TracksOwnersIndependently(t *testing.T) {
	ctx := context.Background()

	tr := NewMemTracker(60 * time.Second)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := base
	tr.now = func() time.Time { return now }

	b := bus.NewMemBus(bus.MemBusConfig{})
	defer b.Close()
	u1 := collectStatus(t, b, "u1")
	u2 := collectStatus(t, b, "u2")

	m, err := NewMonitor(MonitorConfig{Tracker: tr, Bus: b})
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	_ = tr.Touch(ctx, "u1")
	_ = tr.Touch(ctx, "u2")
	m.Sweep(ctx)

	// Only u2 keeps heartbeating.
	now = base.Add(45 * time.Second)
	_ = tr.Touch(ctx, "u2")
	now = base.Add(90 * time.Second)
	m.Sweep(ctx)

	if len(*u1) != 2 || (*u1)[1].installed {
		t.Fatalf("u1 changes = %v, want true then false", *u1)
	}
	if len(*u2) != 1 || !(*u2)[0].installed {
		t.Fatalf("u2 changes = %v, want a single installed=true", *u2)
	}
}

func TestMonitor_StartStop(t *testing.T) {
	tr := NewMemTracker(0)
	b := bus.NewMemBus(bus.MemBusConfig{})
	defer b.Close()

	m, err := NewMonitor(MonitorConfig{Tracker: tr, Bus: b, Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(ctx); err == nil {
		t.Fatal("second Start should fail")
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := m.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
