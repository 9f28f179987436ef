// Package agent implements the per-session agentic loop: the
// think/act/observe cycle that takes a user message, runs the model,
// dispatches tool calls through the approval gate, and produces a
// final response. Each session owns its conversation state and event
// stream; sessions are independent of each other.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/approval"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/conversation"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/events"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/history"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/llm"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/parser"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/prompts"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/tools"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/usage"
)

// Session states.
const (
	StateIdle             = "idle"
	StateThinking         = "thinking"
	StateAwaitingApproval = "awaiting_approval"
	StateExecutingTool    = "executing_tool"
	StateResponding       = "responding"
)

// DefaultMaxIterations caps think/act cycles per user turn.
const DefaultMaxIterations = 10

// ErrBusy is returned when a message arrives while a turn is already
// in progress.
var ErrBusy = errors.New("agent is busy processing a previous message")

// Options configures a Session.
type Options struct {
	SessionID     string
	Client        llm.Client
	Model         string
	SupportsTools bool
	Registry      *tools.Registry
	Gate          *approval.Gate
	Bus           *events.Bus
	Store         *history.Store // optional
	Usage         *usage.Store   // optional
	Preamble      string
	MaxIterations int
	MaxHistory    int
	AutoApprove   bool
	Logger        *slog.Logger
}

// Session runs the agentic loop for one conversation.
type Session struct {
	id            string
	client        llm.Client
	model         string
	supportsTools bool
	conv          *conversation.State
	registry      *tools.Registry
	gate          *approval.Gate
	bus           *events.Bus
	store         *history.Store
	usage         *usage.Store
	maxIterations int
	autoApprove   bool
	logger        *slog.Logger

	mu      sync.Mutex // guards state
	state   string
	turnMu  sync.Mutex // serializes turns
	started time.Time

	statsMu   sync.Mutex
	turns     int
	toolRuns  int
	toolFails int
}

// NewSession creates a session ready to process messages.
func NewSession(opts Options) *Session {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		id:            opts.SessionID,
		client:        opts.Client,
		model:         opts.Model,
		supportsTools: opts.SupportsTools,
		conv:          conversation.New(opts.Preamble, opts.MaxHistory),
		registry:      opts.Registry,
		gate:          opts.Gate,
		bus:           opts.Bus,
		store:         opts.Store,
		usage:         opts.Usage,
		maxIterations: opts.MaxIterations,
		autoApprove:   opts.AutoApprove,
		logger:        opts.Logger.With("session", opts.SessionID),
		state:         StateIdle,
		started:       time.Now(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current loop state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Gate returns the session's approval gate, for routing decisions in.
func (s *Session) Gate() *approval.Gate {
	return s.gate
}

// Conversation exposes the session's conversation state.
func (s *Session) Conversation() *conversation.State {
	return s.conv
}

// HandleMessage processes one user message through the full loop and
// returns the final response text. Any failure path returns the
// session to idle. Concurrent calls are rejected with ErrBusy rather
// than queued; the client owns retry policy.
func (s *Session) HandleMessage(ctx context.Context, text string) (string, error) {
	if !s.turnMu.TryLock() {
		// Tell subscribers too: a websocket client that sends while a
		// turn is running otherwise never learns its message was dropped.
		s.publish(events.KindError, map[string]any{
			"message": "a turn is already in progress",
		})
		return "", ErrBusy
	}
	defer s.turnMu.Unlock()
	defer s.setState(StateIdle)

	s.statsMu.Lock()
	s.turns++
	s.statsMu.Unlock()

	s.publish(events.KindUserMessage, map[string]any{"text": text})

	s.conv.AppendUser(text)
	s.persist(llm.Message{Role: llm.RoleUser, Content: text})

	for iteration := 0; iteration < s.maxIterations; iteration++ {
		s.setState(StateThinking)
		s.publish(events.KindAgentThinking, map[string]any{"text": ""})

		resp, err := s.infer(ctx)
		if err != nil {
			s.logger.Error("inference failed", "error", err, "iteration", iteration)
			s.publish(events.KindError, map[string]any{"message": fmt.Sprintf("inference failed: %v", err)})
			return "", fmt.Errorf("inference: %w", err)
		}

		thought, calls, response := s.interpret(resp)

		if thought != "" {
			s.publish(events.KindAgentThinking, map[string]any{"text": thought})
		}

		if len(calls) == 0 {
			if response == "" {
				response = prompts.EmptyResponseFallback
			}
			return s.finish(response), nil
		}

		// Tool phase. The assistant message carrying the calls goes
		// into history first so tool results have something to answer.
		s.conv.AppendAssistant(resp.Message.Content, calls)
		s.persist(llm.Message{Role: llm.RoleAssistant, Content: resp.Message.Content, ToolCalls: calls})

		for _, call := range calls {
			if ctx.Err() != nil {
				s.publish(events.KindError, map[string]any{"message": "turn cancelled"})
				return "", ctx.Err()
			}
			s.executeToolCall(ctx, call)
		}
	}

	s.logger.Warn("max iterations reached", "max", s.maxIterations)
	return s.finish(prompts.MaxIterationsNotice), nil
}

// finish records and announces the final response for a turn.
func (s *Session) finish(response string) string {
	s.setState(StateResponding)
	s.conv.AppendAssistant(response, nil)
	s.persist(llm.Message{Role: llm.RoleAssistant, Content: response})
	s.publish(events.KindAgentResponse, map[string]any{"text": response})
	return response
}

// infer runs one model call over the current history, streaming
// partial output to observers.
func (s *Session) infer(ctx context.Context) (*llm.ChatResponse, error) {
	messages := make([]llm.Message, 0, s.conv.Len()+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: s.conv.Preamble()})
	messages = append(messages, s.conv.Window()...)

	var toolDefs []map[string]any
	if s.supportsTools {
		toolDefs = s.registry.List()
	}

	var accumulated strings.Builder
	callback := func(token string) {
		accumulated.WriteString(token)
		s.publish(events.KindResponseStream, map[string]any{"text": accumulated.String()})
	}

	started := time.Now()
	resp, err := s.client.ChatStream(ctx, s.model, messages, toolDefs, callback)
	if err == nil && s.usage != nil {
		if recErr := s.usage.Record(ctx, usage.Record{
			SessionID:    s.id,
			Model:        s.model,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			DurationMS:   time.Since(started).Milliseconds(),
		}); recErr != nil {
			s.logger.Warn("failed to record token usage", "error", recErr)
		}
	}
	return resp, err
}

// interpret extracts the thought, tool calls, and response text from a
// model reply. Native tool calls win; otherwise the raw text goes
// through the tolerant parser.
func (s *Session) interpret(resp *llm.ChatResponse) (thought string, calls []llm.ToolCall, response string) {
	if len(resp.Message.ToolCalls) > 0 {
		// Native tool_calls from Ollama carry no id. Every call
		// needs a distinct one so results pair up with requests.
		native := make([]llm.ToolCall, len(resp.Message.ToolCalls))
		copy(native, resp.Message.ToolCalls)
		for i := range native {
			if native[i].ID == "" {
				native[i].ID = uuid.New().String()
			}
		}
		return "", native, ""
	}

	result := parser.Parse(resp.Message.Content)
	if result.IsToolCall() {
		return result.Thought, result.ToolCalls, ""
	}
	return result.Thought, nil, result.Response
}

// executeToolCall runs one tool call through lookup, approval, and
// execution. Failures never abort the turn: they are reported back to
// the model as failed tool results so it can adjust course.
func (s *Session) executeToolCall(ctx context.Context, call llm.ToolCall) {
	name := call.Function.Name
	args := call.Function.Arguments

	s.publish(events.KindToolCall, map[string]any{
		"tool":         name,
		"args":         args,
		"tool_call_id": call.ID,
	})

	started := time.Now()
	result, approved, err := s.runTool(ctx, call)

	s.statsMu.Lock()
	s.toolRuns++
	if err != nil {
		s.toolFails++
	}
	s.statsMu.Unlock()

	success := err == nil
	payload := result
	if err != nil {
		payload = fmt.Sprintf("Error: %v", err)
		s.logger.Warn("tool call failed", "tool", name, "error", err)
	} else {
		s.logger.Debug("tool call succeeded", "tool", name, "duration", time.Since(started))
	}

	s.conv.AppendToolResult(call.ID, payload)
	s.persist(llm.Message{Role: llm.RoleTool, Content: payload, ToolCallID: call.ID})

	if s.store != nil {
		errStr := ""
		if err != nil {
			errStr = err.Error()
		}
		if recErr := s.store.RecordToolCall(history.ToolCallRecord{
			SessionID:   s.id,
			ToolName:    name,
			Arguments:   args,
			Result:      result,
			Error:       errStr,
			Approved:    approved,
			StartedAt:   started,
			CompletedAt: time.Now(),
		}); recErr != nil {
			s.logger.Warn("failed to record tool call", "error", recErr)
		}
	}

	s.publish(events.KindToolResult, map[string]any{
		"tool":         name,
		"tool_call_id": call.ID,
		"result":       payload,
		"success":      success,
	})
}

// runTool performs the lookup/approve/execute sequence for one call.
// The returned approved flag reports whether the call cleared the
// gate (tools without approval requirements always clear it).
func (s *Session) runTool(ctx context.Context, call llm.ToolCall) (result string, approved bool, err error) {
	name := call.Function.Name

	tool := s.registry.Get(name)
	if tool == nil {
		return "", false, &tools.ErrToolUnavailable{ToolName: name}
	}

	if tool.RequiresApproval && !s.autoApprove {
		s.setState(StateAwaitingApproval)
		if !s.gate.Request(ctx, name, call.Function.Arguments) {
			return "", false, &tools.ErrApprovalDenied{ToolName: name}
		}
	}

	s.setState(StateExecutingTool)
	result, err = s.registry.Execute(ctx, name, call.Function.Arguments)
	return result, true, err
}

// Reset clears the turn history and denies all pending approvals. The
// preamble persists.
func (s *Session) Reset() {
	s.conv.Reset()
	if s.gate != nil {
		s.gate.DenyAll()
	}
	s.setState(StateIdle)
	s.logger.Info("session reset")
}

// Stats summarizes session activity for the stats endpoint.
func (s *Session) Stats() map[string]any {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return map[string]any{
		"session_id":  s.id,
		"state":       s.State(),
		"turns":       s.turns,
		"tool_calls":  s.toolRuns,
		"tool_errors": s.toolFails,
		"messages":    s.conv.Len(),
		"started_at":  s.started.Format(time.RFC3339),
		"model":       s.model,
	}
}

func (s *Session) publish(kind string, data map[string]any) {
	s.bus.Publish(events.Event{
		SessionID: s.id,
		Kind:      kind,
		Data:      data,
	})
}

func (s *Session) persist(msg llm.Message) {
	if s.store == nil {
		return
	}
	if err := s.store.AppendMessage(s.id, msg); err != nil {
		s.logger.Warn("failed to persist message", "error", err)
	}
}
