package events

import (
	"sync"
	"testing"
	"time"
)

// recv waits briefly for one event.
func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	return Event{}
}

func TestBus_BroadcastsToEverySubscriber(t *testing.T) {
	b := New()
	subs := []<-chan Event{b.Subscribe(4), b.Subscribe(4), b.Subscribe(4)}

	b.Publish(Event{Source: SourceSessions, Kind: KindSessionCreated, Data: map[string]any{"session_id": "s1"}})

	for i, ch := range subs {
		e := recv(t, ch)
		if e.Kind != KindSessionCreated || e.Data["session_id"] != "s1" {
			t.Errorf("subscriber %d got %+v", i, e)
		}
		if e.Timestamp.IsZero() {
			t.Errorf("subscriber %d: zero Timestamp", i)
		}
	}
}

func TestBus_KeepsExplicitTimestamp(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	b.Publish(Event{Timestamp: ts, Source: SourceExec, Kind: KindExecStart})

	if got := recv(t, ch).Timestamp; !got.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", got, ts)
	}
}

func TestBus_FullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	slow := b.Subscribe(1)
	fast := b.Subscribe(8)

	done := make(chan struct{})
	go func() {
		for i := range 5 {
			b.Publish(Event{Source: SourceExec, Kind: KindExecProgress, Data: map[string]any{"seq": i}})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if len(slow) != 1 {
		t.Errorf("slow subscriber holds %d events, want 1", len(slow))
	}
	if len(fast) != 5 {
		t.Errorf("fast subscriber holds %d events, want 5", len(fast))
	}
	if got := recv(t, slow).Data["seq"]; got != 0 {
		t.Errorf("slow subscriber kept seq %v, want the first event", got)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	keep := b.Subscribe(2)
	drop := b.Subscribe(2)

	b.Unsubscribe(drop)
	b.Unsubscribe(drop)

	if _, ok := <-drop; ok {
		t.Error("unsubscribed channel still open")
	}
	if n := b.SubscriberCount(); n != 1 {
		t.Errorf("SubscriberCount = %d, want 1", n)
	}

	b.Publish(Event{Source: SourceMCP, Kind: KindServerError})
	if e := recv(t, keep); e.Kind != KindServerError {
		t.Errorf("remaining subscriber got %+v", e)
	}
}

func TestBus_NilReceiver(t *testing.T) {
	var b *Bus
	b.Publish(Event{Kind: KindToolCall})
	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("nil SubscriberCount = %d", n)
	}
}

type capture struct {
	mu     sync.Mutex
	events []Event
}

func (c *capture) Publish(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func TestEmit(t *testing.T) {
	t.Run("nil notifier", func(t *testing.T) {
		Emit(nil, SourceAgent, KindToolDone, nil)
	})

	t.Run("nil bus in interface", func(t *testing.T) {
		var b *Bus
		Emit(b, SourceAgent, KindToolDone, nil)
	})

	t.Run("fills every field", func(t *testing.T) {
		c := &capture{}
		Emit(c, SourceMCP, KindServerRegistered, map[string]any{"server": "files", "tools": 3})
		if len(c.events) != 1 {
			t.Fatalf("captured %d events", len(c.events))
		}
		e := c.events[0]
		if e.Source != SourceMCP || e.Kind != KindServerRegistered || e.Data["tools"] != 3 || e.Timestamp.IsZero() {
			t.Errorf("event = %+v", e)
		}
	})
}

func TestBus_ConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup

	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := range 50 {
				b.Publish(Event{Source: SourceExec, Kind: KindExecProgress, Data: map[string]any{"publisher": i, "seq": j}})
			}
		}()
		go func() {
			defer wg.Done()
			ch := b.Subscribe(4)
			for range 3 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			b.Unsubscribe(ch)
		}()
	}
	wg.Wait()

	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount after churn = %d, want 0", n)
	}
}
