package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/agent"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/approval"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/events"
)

// Inbound WebSocket message types.
const (
	msgUserMessage      = "user_message"
	msgReset            = "reset"
	msgApprovalDecision = "approval_decision"
)

// clientMessage is the inbound WebSocket message envelope.
type clientMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Approved  bool   `json:"approved,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// The daemon binds to localhost by default; origin checking is
	// the reverse proxy's job in other deployments.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and runs one agent session
// for its lifetime. Events flow out through a write pump; commands
// flow in through the read loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	logger := s.logger.With("session", sessionID)
	bus := events.New()

	gate := approval.New(
		time.Duration(s.cfg.Agent.ApprovalTimeoutSec)*time.Second,
		func(requestID, toolName string, args map[string]any) {
			bus.Publish(events.Event{
				SessionID: sessionID,
				Kind:      events.KindApprovalRequest,
				Data: map[string]any{
					"request_id": requestID,
					"tool":       toolName,
					"args":       args,
				},
			})
		},
		logger,
	)

	model, supportsTools := s.modelCapabilities()

	sess := agent.NewSession(agent.Options{
		SessionID:     sessionID,
		Client:        s.client,
		Model:         model,
		SupportsTools: supportsTools,
		Registry:      s.registry,
		Gate:          gate,
		Bus:           bus,
		Store:         s.store,
		Usage:         s.usage,
		Preamble:      s.preamble,
		MaxIterations: s.cfg.Agent.MaxIterations,
		MaxHistory:    s.cfg.Agent.MaxHistoryMessages,
		AutoApprove:   s.cfg.Agent.AutoApprove,
		Logger:        logger,
	})

	s.addSession(sess)
	defer s.removeSession(sessionID)

	// Pending approvals must not outlive the connection that can
	// answer them.
	defer gate.DenyAll()

	logger.Info("websocket session started", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := bus.Subscribe(256)
	defer bus.Unsubscribe(sub)

	// Write pump. gorilla/websocket allows only one concurrent writer.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			select {
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if err := conn.WriteJSON(wireEvent(ev)); err != nil {
					logger.Debug("websocket write failed", "error", err)
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Read loop.
	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("websocket read failed", "error", err)
			}
			break
		}

		switch msg.Type {
		case msgUserMessage:
			if msg.Text == "" {
				continue
			}
			// Run the turn asynchronously so approval decisions can
			// still be read while the loop waits on the gate.
			go func(text string) {
				if _, err := sess.HandleMessage(ctx, text); err != nil {
					logger.Warn("turn failed", "error", err)
				}
			}(msg.Text)

		case msgReset:
			sess.Reset()

		case msgApprovalDecision:
			if msg.RequestID == "" {
				continue
			}
			gate.Resolve(msg.RequestID, msg.Approved)

		default:
			logger.Debug("unknown message type", "type", msg.Type)
		}
	}

	cancel()
	<-writeDone
	logger.Info("websocket session ended")
}

// wireEvent flattens an event for the wire: type and session at the
// top level, data keys merged in.
func wireEvent(ev events.Event) map[string]any {
	out := map[string]any{
		"type":       ev.Kind,
		"session_id": ev.SessionID,
		"ts":         ev.Timestamp.Format(time.RFC3339Nano),
	}
	for k, v := range ev.Data {
		out[k] = v
	}
	return out
}

// modelCapabilities resolves the configured default model and whether
// it supports native tool calls.
func (s *Server) modelCapabilities() (model string, supportsTools bool) {
	model = s.cfg.Models.Default
	for _, m := range s.cfg.Models.Available {
		if m.Name == model {
			return model, m.SupportsTools
		}
	}
	// Unlisted models are assumed to support tool calls; the text
	// parser still catches replies from models that don't.
	return model, true
}
