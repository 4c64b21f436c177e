// Package events provides a publish/subscribe event bus for operational
// notifications. Events flow from the orchestration components (session
// pool, MCP manager, code execution harness) to subscribers (the MQTT
// bridge, the metrics collector, UI layers). The bus is nil-safe:
// calling Publish on a nil *Bus is a no-op, so a runtime without any
// subscribers needs no guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceSessions identifies events from the session client pool.
	SourceSessions = "sessions"
	// SourceMCP identifies events from the MCP server manager.
	SourceMCP = "mcp"
	// SourceExec identifies events from the code execution harness.
	SourceExec = "exec"
	// SourceAgent identifies events from the conversation loop.
	SourceAgent = "agent"
)

// Kind constants describe the type of event within a source.
const (
	// KindSessionCreated signals a new model client was created for a session.
	// Data: session_id.
	KindSessionCreated = "session_created"
	// KindSessionRestored signals persisted history was loaded into a new client.
	// Data: session_id, messages.
	KindSessionRestored = "session_restored"
	// KindSessionReleased signals a session left the pool.
	// Data: session_id, reason (released, idle, cleared).
	KindSessionReleased = "session_released"
	// KindSessionSaveFailed signals a best-effort save failed.
	// Data: session_id, error.
	KindSessionSaveFailed = "session_save_failed"

	// KindDiscoveryUpdate signals a change in discovery state or in the
	// connection set. Data: state, server (optional), status (optional).
	KindDiscoveryUpdate = "discovery_update"
	// KindServerError signals a connect or discover failure for one
	// server. Data: server, error.
	KindServerError = "server_error"
	// KindServerRegistered signals a server's tools were registered.
	// Data: server, tools.
	KindServerRegistered = "server_registered"

	// KindExecStart signals the harness accepted an invocation.
	// Data: execution_id, tool.
	KindExecStart = "exec_start"
	// KindExecProgress relays one progress event from a running script.
	// Data: execution_id, tool, stage, progress, message.
	KindExecProgress = "exec_progress"
	// KindExecDone signals an invocation reached a terminal state.
	// Data: execution_id, tool, ok, stage, error_type, duration_ms.
	KindExecDone = "exec_done"

	// KindToolCall signals the conversation loop invoked a tool.
	// Data: session_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool call.
	// Data: session_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Notifier is the publishing side of the bus. Components depend on
// this rather than *Bus so tests can capture events directly.
type Notifier interface {
	Publish(e Event)
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event view.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. A zero Timestamp is filled in. Safe to call on a nil
// receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Emit publishes on n when n is non-nil. It lets components hold an
// optional Notifier interface value without guard checks at every
// call site. A nil *Bus stored in the interface is also handled by
// Bus.Publish itself.
func Emit(n Notifier, source, kind string, data map[string]any) {
	if n == nil {
		return
	}
	n.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}
