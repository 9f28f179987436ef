// Package events provides a publish/subscribe event bus carrying the
// observer protocol: everything a client needs to watch a session flows
// from the agent loop to subscribers (WebSocket handlers, the one-shot
// CLI observer) as typed events. The bus is nil-safe: calling Publish on
// a nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Kind constants name the observer protocol events.
const (
	// KindUserMessage echoes accepted user input.
	// Data: text.
	KindUserMessage = "user_message_received"
	// KindAgentThinking reports reasoning-phase status. An empty text
	// clears any previously shown thought.
	// Data: text.
	KindAgentThinking = "agent_thinking"
	// KindResponseStream carries the accumulated partial answer so far.
	// Data: text.
	KindResponseStream = "agent_response_stream"
	// KindAgentResponse is the terminal answer for a turn.
	// Data: text.
	KindAgentResponse = "agent_response"
	// KindToolCall signals a tool is about to be invoked.
	// Data: tool, args, tool_call_id.
	KindToolCall = "tool_call"
	// KindToolResult reports a tool invocation outcome.
	// Data: tool, tool_call_id, result, success.
	KindToolResult = "tool_result"
	// KindApprovalRequest asks the human for a decision.
	// Data: request_id, tool, args.
	KindApprovalRequest = "approval_request"
	// KindError surfaces a non-fatal problem to the user.
	// Data: message.
	KindError = "error"
)

// Event represents a single observer protocol event published by a session.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// SessionID identifies the session that published the event.
	SessionID string `json:"session_id,omitempty"`
	// Kind describes the type of event.
	Kind string `json:"type"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers. This is what keeps a stalled or disconnected
// observer from ever pausing generation.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
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
// subscriber. Safe to call on a nil receiver (no-op).
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
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
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
