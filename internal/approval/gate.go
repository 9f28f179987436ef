// Package approval correlates outstanding tool invocations with
// asynchronous human decisions.
//
// The loop controller calls Request and suspends; the decision arrives
// from the observer connection (or never does, in which case the fixed
// timeout denies it). Every request is resolved exactly once, and a
// late or duplicate resolution for an already-settled request is a
// silent no-op — disconnected clients re-sending decisions must not
// disturb the session.
package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout is how long a request waits for a decision before
// defaulting to denied.
const DefaultTimeout = 60 * time.Second

// NotifyFunc is called when a new approval request is created, so the
// observer can be asked for a decision. It must not block.
type NotifyFunc func(requestID, toolName string, args map[string]any)

// Gate manages the pending-approval table for one session.
type Gate struct {
	mu      sync.Mutex
	pending map[string]chan bool
	timeout time.Duration
	notify  NotifyFunc
	logger  *slog.Logger
}

// New creates a gate. notify is invoked for each created request;
// a zero timeout uses DefaultTimeout.
func New(timeout time.Duration, notify NotifyFunc, logger *slog.Logger) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		pending: make(map[string]chan bool),
		timeout: timeout,
		notify:  notify,
		logger:  logger,
	}
}

// Request creates an approval request for a tool invocation and blocks
// the caller until a decision arrives, the timeout elapses, or ctx is
// cancelled. Timeout and cancellation both deny.
func (g *Gate) Request(ctx context.Context, toolName string, args map[string]any) bool {
	requestID := uuid.New().String()
	ch := make(chan bool, 1)

	g.mu.Lock()
	g.pending[requestID] = ch
	g.mu.Unlock()

	g.logger.Debug("approval requested", "request_id", requestID, "tool", toolName)
	if g.notify != nil {
		g.notify(requestID, toolName, args)
	}

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case approved := <-ch:
		g.logger.Debug("approval resolved", "request_id", requestID, "approved", approved)
		return approved
	case <-timer.C:
		g.remove(requestID)
		g.logger.Info("approval timed out", "request_id", requestID, "tool", toolName)
		return false
	case <-ctx.Done():
		g.remove(requestID)
		return false
	}
}

// Resolve delivers a decision for a pending request. Unknown or
// already-resolved request IDs are ignored.
func (g *Gate) Resolve(requestID string, approved bool) {
	g.mu.Lock()
	ch, ok := g.pending[requestID]
	if ok {
		delete(g.pending, requestID)
	}
	g.mu.Unlock()

	if !ok {
		g.logger.Debug("approval decision for unknown request", "request_id", requestID)
		return
	}
	// Buffered channel: the waiter may have just timed out and gone
	// away, in which case the value is simply dropped with it.
	ch <- approved
}

// DenyAll resolves every pending request as denied. Called on session
// reset and teardown so no suspended loop iteration is left blocked.
func (g *Gate) DenyAll() {
	g.mu.Lock()
	pending := g.pending
	g.pending = make(map[string]chan bool)
	g.mu.Unlock()

	for id, ch := range pending {
		g.logger.Debug("approval denied by reset", "request_id", id)
		ch <- false
	}
}

// PendingCount returns the number of unresolved requests.
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Gate) remove(requestID string) {
	g.mu.Lock()
	delete(g.pending, requestID)
	g.mu.Unlock()
}
