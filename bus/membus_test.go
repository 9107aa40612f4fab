package bus

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testEvent(topic Topic, ownerID, entityID string) Event {
	return Event{
		Type:     ChangeUpdated,
		Topic:    topic,
		OwnerID:  ownerID,
		EntityID: entityID,
		Time:     time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemBus_PublishDeliversInOrder(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	var got []string
	sub, err := b.Subscribe(TopicReply, "u1", func(e Event) {
		got = append(got, e.EntityID)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	b.Publish(testEvent(TopicReply, "u1", "a"))
	b.Publish(testEvent(TopicReply, "u1", "b"))
	b.Publish(testEvent(TopicReply, "u1", "c"))

	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("delivery order = %v, want [a b c]", got)
	}
}

func TestMemBus_RegistrationOrderPreserved(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		sub, err := b.Subscribe(TopicConfig, "u1", func(Event) {
			order = append(order, i)
		})
		if err != nil {
			t.Fatalf("Subscribe %d: %v", i, err)
		}
		defer sub.Close()
	}

	b.Publish(testEvent(TopicConfig, "u1", ""))

	for i, v := range order {
		if v != i {
			t.Fatalf("invocation order = %v, want ascending registration order", order)
		}
	}
	if len(order) != 5 {
		t.Fatalf("got %d invocations, want 5", len(order))
	}
}

func TestMemBus_PanickingSubscriberIsIsolated(t *testing.T) {
	b := NewMemBus(MemBusConfig{Logger: quietLogger()})
	defer b.Close()

	var before, after, otherKey int

	s1, _ := b.Subscribe(TopicReply, "u1", func(Event) { before++ })
	defer s1.Close()
	s2, _ := b.Subscribe(TopicReply, "u1", func(Event) { panic("subscriber blew up") })
	defer s2.Close()
	s3, _ := b.Subscribe(TopicReply, "u1", func(Event) { after++ })
	defer s3.Close()
	s4, _ := b.Subscribe(TopicConfig, "u1", func(Event) { otherKey++ })
	defer s4.Close()

	b.Publish(testEvent(TopicReply, "u1", "r1"))
	b.Publish(testEvent(TopicConfig, "u1", ""))

	if before != 1 || after != 1 {
		t.Fatalf("same-key subscribers got before=%d after=%d, want 1/1", before, after)
	}
	if otherKey != 1 {
		t.Fatalf("other-key subscriber got %d events, want 1", otherKey)
	}
}

func TestMemBus_NoCrossOwnerDelivery(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	var forX, forY int
	sx, _ := b.Subscribe(TopicReply, "user-x", func(Event) { forX++ })
	defer sx.Close()
	sy, _ := b.Subscribe(TopicReply, "user-y", func(Event) { forY++ })
	defer sy.Close()

	b.Publish(testEvent(TopicReply, "user-x", "r1"))

	if forX != 1 {
		t.Fatalf("owner x received %d events, want 1", forX)
	}
	if forY != 0 {
		t.Fatalf("owner y received %d events, want 0", forY)
	}
}

func TestMemBus_GlobalTopicReachesAllSubscribers(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	var a, c int
	// Subscribers for global topics register under the wildcard owner no
	// matter which user opened the stream.
	sa, _ := b.Subscribe(TopicFeatures, "user-a", func(Event) { a++ })
	defer sa.Close()
	sc, _ := b.Subscribe(TopicFeatures, "user-c", func(Event) { c++ })
	defer sc.Close()

	b.Publish(Event{Type: ChangeUpdated, Topic: TopicFeatures, OwnerID: "admin-1"})

	if a != 1 || c != 1 {
		t.Fatalf("global delivery a=%d c=%d, want 1/1", a, c)
	}
}

func TestMemBus_UnsubscribeIsIdempotent(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	var count int
	sub, err := b.Subscribe(TopicReply, "u1", func(Event) { count++ })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	b.Publish(testEvent(TopicReply, "u1", "r1"))
	if count != 0 {
		t.Fatalf("closed subscription received %d events, want 0", count)
	}
}

func TestMemBus_UnsubscribeDuringDelivery(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	var sub1 Subscription
	var second int

	// The first handler removes itself mid-fanout; the snapshot iteration
	// must still reach the second handler.
	sub1, _ = b.Subscribe(TopicReply, "u1", func(Event) {
		_ = sub1.Close()
	})
	s2, _ := b.Subscribe(TopicReply, "u1", func(Event) { second++ })
	defer s2.Close()

	b.Publish(testEvent(TopicReply, "u1", "r1"))
	if second != 1 {
		t.Fatalf("second subscriber got %d events, want 1", second)
	}

	b.Publish(testEvent(TopicReply, "u1", "r2"))
	if second != 2 {
		t.Fatalf("second subscriber got %d events after resubscribe-free publish, want 2", second)
	}
}

func TestMemBus_MaxPerKey(t *testing.T) {
	b := NewMemBus(MemBusConfig{MaxPerKey: 2})
	defer b.Close()

	s1, err := b.Subscribe(TopicReply, "u1", func(Event) {})
	if err != nil {
		t.Fatalf("Subscribe 1: %v", err)
	}
	defer s1.Close()
	s2, err := b.Subscribe(TopicReply, "u1", func(Event) {})
	if err != nil {
		t.Fatalf("Subscribe 2: %v", err)
	}

	if _, err := b.Subscribe(TopicReply, "u1", func(Event) {}); err == nil {
		t.Fatal("third Subscribe: expected ErrTooManySubscribers")
	}

	// A different key is unaffected by the cap.
	s4, err := b.Subscribe(TopicReply, "u2", func(Event) {})
	if err != nil {
		t.Fatalf("Subscribe other owner: %v", err)
	}
	defer s4.Close()

	// Freeing a slot allows a new registration.
	_ = s2.Close()
	s5, err := b.Subscribe(TopicReply, "u1", func(Event) {})
	if err != nil {
		t.Fatalf("Subscribe after free: %v", err)
	}
	defer s5.Close()
}

func TestMemBus_ClosedBusDropsPublishes(t *testing.T) {
	b := NewMemBus(MemBusConfig{})

	var count int
	if _, err := b.Subscribe(TopicReply, "u1", func(Event) { count++ }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b.Publish(testEvent(TopicReply, "u1", "r1"))
	if count != 0 {
		t.Fatalf("subscriber on closed bus received %d events, want 0", count)
	}

	if _, err := b.Subscribe(TopicReply, "u1", func(Event) {}); err != ErrBusClosed {
		t.Fatalf("Subscribe after Close: got %v, want ErrBusClosed", err)
	}
}

func TestMemBus_NoReplayForLateSubscriber(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	b.Publish(testEvent(TopicReply, "u1", "before"))

	var count int
	sub, _ := b.Subscribe(TopicReply, "u1", func(Event) { count++ })
	defer sub.Close()

	if count != 0 {
		t.Fatalf("late subscriber replayed %d events, want 0", count)
	}
}

func TestParseTopic(t *testing.T) {
	for _, name := range []string{"reply", "config", "features", "app-settings", "extension-status"} {
		if _, ok := ParseTopic(name); !ok {
			t.Errorf("ParseTopic(%q) rejected a valid topic", name)
		}
	}
	for _, name := range []string{"", "replies", "Reply", "tickets"} {
		if topic, ok := ParseTopic(name); ok {
			t.Errorf("ParseTopic(%q) accepted invalid topic %q", name, topic)
		}
	}
}

func TestMemBus_ConcurrentPublishAndSubscribe(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			b.Publish(testEvent(TopicReply, "u1", fmt.Sprintf("r%d", i)))
		}
	}()

	for i := 0; i < 50; i++ {
		sub, err := b.Subscribe(TopicReply, "u1", func(Event) {})
		if err != nil {
			t.Fatalf("Subscribe %d: %v", i, err)
		}
		_ = sub.Close()
	}

	<-done
}
