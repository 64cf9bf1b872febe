package admission

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestEventRecorder_AssignsIdentity(t *testing.T) {
	t.Parallel()
	outbox := NewInMemoryOutbox()
	recorder := NewEventRecorder(outbox, nil)

	recorder.Record(context.Background(), Event{Kind: EventQuotaWarning, Principal: "alice"})
	events := pendingEvents(t, outbox)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].ID == "" {
		t.Fatalf("event has no id")
	}
	if events[0].Timestamp.IsZero() {
		t.Fatalf("event has no timestamp")
	}
	if events[0].Principal != "alice" {
		t.Fatalf("event = %+v", events[0])
	}
}

func TestEventDispatcher_RoutesByKind(t *testing.T) {
	t.Parallel()
	outbox := NewInMemoryOutbox()
	pubsub := NewInMemoryPubSub()
	recorder := NewEventRecorder(outbox, nil)
	dispatcher := NewEventDispatcher(outbox, pubsub, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	received := map[string][]string{}
	collect := func(channel string) func(context.Context, []byte) {
		return func(_ context.Context, payload []byte) {
			event, err := UnmarshalEvent(payload)
			if err != nil {
				return
			}
			mu.Lock()
			received[channel] = append(received[channel], event.Kind)
			mu.Unlock()
		}
	}
	if err := pubsub.Subscribe(ctx, ChannelNotifications, collect(ChannelNotifications)); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := pubsub.Subscribe(ctx, ChannelBilling, collect(ChannelBilling)); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	recorder.Record(ctx, Event{Kind: EventQuotaWarning, Principal: "alice"})
	recorder.Record(ctx, Event{Kind: EventOverageCharge, Principal: "alice", Cost: 3})
	recorder.Record(ctx, Event{Kind: EventBurstDetected, Severity: "minor"})

	go func() { _ = dispatcher.Start(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		notifications := len(received[ChannelNotifications])
		billing := len(received[ChannelBilling])
		mu.Unlock()
		if notifications == 2 && billing == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("delivery incomplete: notifications=%d billing=%d", notifications, billing)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for _, kind := range received[ChannelNotifications] {
		if kind == EventOverageCharge {
			t.Fatalf("billing record delivered on the notification channel")
		}
	}
	if received[ChannelBilling][0] != EventOverageCharge {
		t.Fatalf("billing channel got %v", received[ChannelBilling])
	}

	// Dispatched rows are marked sent and never re-published.
	rows, err := outbox.FetchPending(ctx, 10)
	if err != nil {
		t.Fatalf("FetchPending: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("%d rows still pending after dispatch", len(rows))
	}
}

func TestInMemoryOutbox_MarkSent(t *testing.T) {
	t.Parallel()
	outbox := NewInMemoryOutbox()
	ctx := context.Background()

	id1, err := outbox.Insert(ctx, []byte(`{"kind":"a"}`))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := outbox.Insert(ctx, []byte(`{"kind":"b"}`)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := outbox.MarkSent(ctx, id1); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	rows, err := outbox.FetchPending(ctx, 10)
	if err != nil {
		t.Fatalf("FetchPending: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d pending rows, want 1", len(rows))
	}
	if err := outbox.MarkSent(ctx, "no-such-row"); err == nil {
		t.Fatalf("MarkSent accepted an unknown id")
	}
}
