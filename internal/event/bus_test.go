package event

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func publishN(b *Bus, workspace string, n int) {
	for i := 0; i < n; i++ {
		b.Publish(New(TypeJobProgress, workspace, "job-1", ProgressPayload{Step: i, Total: n}))
	}
}

func TestSubscribeReplaysHistory(t *testing.T) {
	b := NewBus(100, 64)
	defer b.Close()

	publishN(b, "ws-a", 3)

	history, ch, cancel := b.Subscribe("ws-a")
	defer cancel()

	if len(history) != 3 {
		t.Fatalf("history = %d events, want 3", len(history))
	}

	b.Publish(New(TypeJobCompleted, "ws-a", "job-1", nil))
	select {
	case ev := <-ch:
		if ev.Type != TypeJobCompleted {
			t.Errorf("live event type = %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("live event never arrived")
	}
}

func TestHistoryRingDropsOldest(t *testing.T) {
	b := NewBus(5, 64)
	defer b.Close()

	publishN(b, "ws-a", 8)

	history := b.History("ws-a")
	if len(history) != 5 {
		t.Fatalf("history = %d events, want 5", len(history))
	}
	var first ProgressPayload
	if err := unmarshalPayload(history[0], &first); err != nil {
		t.Fatal(err)
	}
	if first.Step != 3 {
		t.Errorf("oldest kept step = %d, want 3", first.Step)
	}
}

func unmarshalPayload(ev *DomainEvent, v any) error {
	if ev.Payload == nil {
		return fmt.Errorf("no payload")
	}
	return json.Unmarshal(ev.Payload, v)
}

func TestWorkspaceIsolation(t *testing.T) {
	b := NewBus(100, 64)
	defer b.Close()

	_, chA, cancelA := b.Subscribe("ws-a")
	defer cancelA()

	b.Publish(New(TypeJobQueued, "ws-b", "job-b", nil))

	select {
	case ev := <-chA:
		t.Fatalf("ws-a subscriber got ws-b event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	if len(b.History("ws-a")) != 0 {
		t.Error("ws-b publish leaked into ws-a history")
	}
}

func TestSlowSubscriberNeverBlocksPublish(t *testing.T) {
	b := NewBus(100, 2) // tiny buffer, nobody reading
	defer b.Close()

	_, ch, cancel := b.Subscribe("ws-a")
	defer cancel()

	done := make(chan struct{})
	go func() {
		publishN(b, "ws-a", 50)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The stalled subscriber holds only the freshest events; older ones
	// were dropped to make room.
	if len(ch) != 2 {
		t.Errorf("buffered = %d events, want 2", len(ch))
	}
	var last ProgressPayload
	<-ch
	ev := <-ch
	if err := unmarshalPayload(ev, &last); err != nil {
		t.Fatal(err)
	}
	if last.Step != 49 {
		t.Errorf("freshest buffered step = %d, want 49", last.Step)
	}
}

func TestDeliveryOrderMatchesPublishOrder(t *testing.T) {
	b := NewBus(100, 64)
	defer b.Close()

	_, ch, cancel := b.Subscribe("ws-a")
	defer cancel()

	publishN(b, "ws-a", 10)

	for i := 0; i < 10; i++ {
		select {
		case ev := <-ch:
			var p ProgressPayload
			if err := unmarshalPayload(ev, &p); err != nil {
				t.Fatal(err)
			}
			if p.Step != i {
				t.Fatalf("event %d has step %d", i, p.Step)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d never arrived", i)
		}
	}
}

func TestClearHistory(t *testing.T) {
	b := NewBus(100, 64)
	defer b.Close()

	publishN(b, "ws-a", 4)
	b.ClearHistory("ws-a")

	if len(b.History("ws-a")) != 0 {
		t.Error("history survived clear")
	}

	// Live subscriptions keep working after a clear.
	_, ch, cancel := b.Subscribe("ws-a")
	defer cancel()
	b.Publish(New(TypeJobQueued, "ws-a", "job-2", nil))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("live delivery broken after clear")
	}
}

func TestCancelAndClose(t *testing.T) {
	b := NewBus(100, 64)

	_, ch, cancel := b.Subscribe("ws-a")
	if got := b.SubscriberCount("ws-a"); got != 1 {
		t.Fatalf("subscribers = %d, want 1", got)
	}

	cancel()
	if got := b.SubscriberCount("ws-a"); got != 0 {
		t.Errorf("subscribers after cancel = %d, want 0", got)
	}
	if _, open := <-ch; open {
		t.Error("channel still open after cancel")
	}

	_, ch2, _ := b.Subscribe("ws-a")
	b.Close()
	if _, open := <-ch2; open {
		t.Error("channel still open after bus close")
	}

	// Publishing after close is a no-op, not a panic.
	b.Publish(New(TypeJobQueued, "ws-a", "job-3", nil))
}
