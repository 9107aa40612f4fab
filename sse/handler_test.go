package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/replykit/replykit/bus"
)

type staticSnapshots struct {
	value any
	err   error

	// When set, Snapshot blocks until the channel is closed. Lets tests
	// publish while a session is still between subscribe and snapshot.
	gate chan struct{}
}

func (s *staticSnapshots) Snapshot(ctx context.Context, topic bus.Topic, ownerID string) (any, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.value, s.err
}

func allowUser(id string) IdentityFunc {
	return func(r *http.Request) (Identity, bool, error) {
		return Identity{ID: id, Email: id + "@example.com", Role: "user"}, true, nil
	}
}

func denyAll(r *http.Request) (Identity, bool, error) {
	return Identity{}, false, nil
}

func newStreamServer(t *testing.T, h *Handler) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("GET /api/stream/{topic}", h)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type testFrame struct {
	Type      string          `json:"type"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// readFrames connects to a stream URL and feeds parsed frames to a channel.
func readFrames(t *testing.T, url string) (<-chan testFrame, context.CancelFunc, *http.Response) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("connect: %v", err)
	}

	frames := make(chan testFrame, 16)
	go func() {
		defer close(frames)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var f testFrame
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f); err != nil {
				continue
			}
			frames <- f
		}
	}()
	t.Cleanup(cancel)
	return frames, cancel, resp
}

func nextFrame(t *testing.T, frames <-chan testFrame) testFrame {
	t.Helper()
	select {
	case f, ok := <-frames:
		if !ok {
			t.Fatal("stream closed before expected frame")
		}
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return testFrame{}
}

func TestHandlerRejectsUnknownTopic(t *testing.T) {
	b := bus.NewMemBus(bus.MemBusConfig{})
	h, err := NewHandler(HandlerConfig{Bus: b, Snapshots: &staticSnapshots{}, Identify: allowUser("u1")})
	if err != nil {
		t.Fatal(err)
	}
	srv := newStreamServer(t, h)

	resp, err := http.Get(srv.URL + "/api/stream/bogus")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandlerRejectsUnauthenticated(t *testing.T) {
	b := bus.NewMemBus(bus.MemBusConfig{})
	h, err := NewHandler(HandlerConfig{Bus: b, Snapshots: &staticSnapshots{}, Identify: denyAll})
	if err != nil {
		t.Fatal(err)
	}
	srv := newStreamServer(t, h)

	resp, err := http.Get(srv.URL + "/api/stream/reply")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestSessionConnectedThenSnapshot(t *testing.T) {
	b := bus.NewMemBus(bus.MemBusConfig{})
	snaps := &staticSnapshots{value: map[string]any{"hello": "world"}}
	h, err := NewHandler(HandlerConfig{Bus: b, Snapshots: snaps, Identify: allowUser("u1")})
	if err != nil {
		t.Fatal(err)
	}
	srv := newStreamServer(t, h)

	frames, _, resp := readFrames(t, srv.URL+"/api/stream/reply")
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	first := nextFrame(t, frames)
	if first.Type != "connected" {
		t.Fatalf("first frame = %+v, want connected", first)
	}
	second := nextFrame(t, frames)
	if second.Type != "reply" {
		t.Fatalf("second frame type = %q, want reply", second.Type)
	}
	var data map[string]string
	if err := json.Unmarshal(second.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data["hello"] != "world" {
		t.Errorf("snapshot data = %v", data)
	}
	if second.Timestamp == 0 {
		t.Error("snapshot frame has no timestamp")
	}
}

func TestSessionForwardsDeltas(t *testing.T) {
	b := bus.NewMemBus(bus.MemBusConfig{})
	h, err := NewHandler(HandlerConfig{Bus: b, Snapshots: &staticSnapshots{value: []string{}}, Identify: allowUser("u1")})
	if err != nil {
		t.Fatal(err)
	}
	srv := newStreamServer(t, h)

	frames, _, _ := readFrames(t, srv.URL+"/api/stream/reply")
	nextFrame(t, frames) // connected
	nextFrame(t, frames) // snapshot

	b.Publish(bus.Event{
		Type:     bus.ChangeCreated,
		Topic:    bus.TopicReply,
		OwnerID:  "u1",
		EntityID: "r1",
		Payload:  map[string]any{"id": "r1", "title": "hi"},
		Time:     time.Now(),
	})

	delta := nextFrame(t, frames)
	if delta.Type != "created" {
		t.Fatalf("delta type = %q, want created", delta.Type)
	}
	var payload map[string]any
	if err := json.Unmarshal(delta.Data, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["id"] != "r1" {
		t.Errorf("delta payload = %v", payload)
	}
}

func TestMutationDuringConnectIsQueuedAfterSnapshot(t *testing.T) {
	b := bus.NewMemBus(bus.MemBusConfig{})
	gate := make(chan struct{})
	snaps := &staticSnapshots{value: []string{"old"}, gate: gate}
	h, err := NewHandler(HandlerConfig{Bus: b, Snapshots: snaps, Identify: allowUser("u1")})
	if err != nil {
		t.Fatal(err)
	}
	srv := newStreamServer(t, h)

	frames, _, _ := readFrames(t, srv.URL+"/api/stream/reply")
	nextFrame(t, frames) // connected; snapshot now blocked on the gate

	// The session must already be subscribed while its snapshot is pending,
	// so this event may not be lost.
	waitForSubscriber(t, b, bus.TopicReply, "u1")
	b.Publish(bus.Event{
		Type:     bus.ChangeCreated,
		Topic:    bus.TopicReply,
		OwnerID:  "u1",
		EntityID: "r-new",
		Time:     time.Now(),
	})
	close(gate)

	snap := nextFrame(t, frames)
	if snap.Type != "reply" {
		t.Fatalf("expected snapshot before delta, got %q", snap.Type)
	}
	delta := nextFrame(t, frames)
	if delta.Type != "created" {
		t.Fatalf("expected queued delta after snapshot, got %q", delta.Type)
	}
}

func waitForSubscriber(t *testing.T, b *bus.MemBus, topic bus.Topic, owner string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if b.SubscriberCount(topic, owner) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session never subscribed")
}

func TestSessionHeartbeats(t *testing.T) {
	b := bus.NewMemBus(bus.MemBusConfig{})
	h, err := NewHandler(HandlerConfig{
		Bus:               b,
		Snapshots:         &staticSnapshots{value: []string{}},
		Identify:          allowUser("u1"),
		HeartbeatInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	srv := newStreamServer(t, h)

	frames, _, _ := readFrames(t, srv.URL+"/api/stream/reply")
	nextFrame(t, frames) // connected
	nextFrame(t, frames) // snapshot

	if f := nextFrame(t, frames); f.Type != "heartbeat" {
		t.Fatalf("frame type = %q, want heartbeat", f.Type)
	}
}

func TestSnapshotFailureSendsErrorFrame(t *testing.T) {
	b := bus.NewMemBus(bus.MemBusConfig{})
	snaps := &staticSnapshots{err: context.DeadlineExceeded}
	h, err := NewHandler(HandlerConfig{Bus: b, Snapshots: snaps, Identify: allowUser("u1")})
	if err != nil {
		t.Fatal(err)
	}
	srv := newStreamServer(t, h)

	frames, _, _ := readFrames(t, srv.URL+"/api/stream/reply")
	nextFrame(t, frames) // connected

	f := nextFrame(t, frames)
	if f.Type != "error" || f.Message == "" {
		t.Fatalf("frame = %+v, want error with message", f)
	}
	if _, ok := <-frames; ok {
		t.Error("stream stayed open after snapshot failure")
	}
}

func TestTooManyStreamsForOneKey(t *testing.T) {
	b := bus.NewMemBus(bus.MemBusConfig{MaxPerKey: 1})
	h, err := NewHandler(HandlerConfig{Bus: b, Snapshots: &staticSnapshots{value: []string{}}, Identify: allowUser("u1")})
	if err != nil {
		t.Fatal(err)
	}
	srv := newStreamServer(t, h)

	frames, _, _ := readFrames(t, srv.URL+"/api/stream/reply")
	nextFrame(t, frames) // first stream established

	resp, err := http.Get(srv.URL + "/api/stream/reply")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second stream status = %d, want 429", resp.StatusCode)
	}
}

func TestDisconnectClosesSubscription(t *testing.T) {
	b := bus.NewMemBus(bus.MemBusConfig{})
	h, err := NewHandler(HandlerConfig{Bus: b, Snapshots: &staticSnapshots{value: []string{}}, Identify: allowUser("u1")})
	if err != nil {
		t.Fatal(err)
	}
	srv := newStreamServer(t, h)

	frames, cancel, _ := readFrames(t, srv.URL+"/api/stream/reply")
	nextFrame(t, frames) // connected
	nextFrame(t, frames) // snapshot
	waitForSubscriber(t, b, bus.TopicReply, "u1")

	cancel()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if b.SubscriberCount(bus.TopicReply, "u1") == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("subscription survived disconnect")
}

func TestGlobalTopicIgnoresCallerOwner(t *testing.T) {
	b := bus.NewMemBus(bus.MemBusConfig{})
	h, err := NewHandler(HandlerConfig{
		Bus:       b,
		Snapshots: &staticSnapshots{value: map[string]bool{}},
		Identify:  allowUser("u1"),
	})
	if err != nil {
		t.Fatal(err)
	}
	srv := newStreamServer(t, h)

	frames, _, _ := readFrames(t, srv.URL+"/api/stream/features")
	nextFrame(t, frames) // connected
	nextFrame(t, frames) // snapshot

	// Published under an arbitrary owner; global topics normalize to one key.
	b.Publish(bus.Event{
		Type:    bus.ChangeUpdated,
		Topic:   bus.TopicFeatures,
		OwnerID: "someone-else",
		Payload: map[string]any{"dark-launch": true},
		Time:    time.Now(),
	})

	if f := nextFrame(t, frames); f.Type != "updated" {
		t.Fatalf("frame type = %q, want updated", f.Type)
	}
}
