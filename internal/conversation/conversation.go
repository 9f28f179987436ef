// Package conversation owns per-session conversation state: the
// immutable system preamble and the append-only turn history.
//
// The split matters for prompt construction: because the preamble is
// never rewritten and history only ever grows, a prompt builder can
// treat the preamble as a stable cached prefix for every inference
// call. Messages are never edited after append and are discarded only
// by Reset.
package conversation

import (
	"sync"

	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/llm"
)

// State holds one session's conversation. All methods are safe for
// concurrent use, though a session drives it from a single goroutine.
type State struct {
	mu       sync.RWMutex
	preamble string
	history  []llm.Message
	// maxHistory bounds the window returned by Window. 0 = unbounded.
	maxHistory int
}

// New creates conversation state with the given system preamble.
func New(preamble string, maxHistory int) *State {
	return &State{
		preamble:   preamble,
		maxHistory: maxHistory,
	}
}

// Preamble returns the system preamble text.
func (s *State) Preamble() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.preamble
}

// SetPreamble replaces the preamble wholesale. Turn history is
// untouched. Safe to call with the current preamble (no-op).
func (s *State) SetPreamble(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preamble = text
}

// AppendUser appends one user message.
func (s *State) AppendUser(text string) {
	s.append(llm.Message{Role: llm.RoleUser, Content: text})
}

// AppendAssistant appends one assistant message, optionally recording
// the tool calls it requested.
func (s *State) AppendAssistant(text string, toolCalls []llm.ToolCall) {
	s.append(llm.Message{Role: llm.RoleAssistant, Content: text, ToolCalls: toolCalls})
}

// AppendToolResult appends one tool-role message correlated to the
// invocation that produced it.
func (s *State) AppendToolResult(toolCallID, payload string) {
	s.append(llm.Message{Role: llm.RoleTool, Content: payload, ToolCallID: toolCallID})
}

func (s *State) append(m llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, m)
}

// History returns a copy of the ordered non-system messages. Appends
// after the call do not affect the returned slice.
func (s *State) History() []llm.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := make([]llm.Message, len(s.history))
	copy(h, s.history)
	return h
}

// Window returns the most recent messages for prompt construction,
// bounded by the configured history limit. With no limit it is
// equivalent to History.
func (s *State) Window() []llm.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := 0
	if s.maxHistory > 0 && len(s.history) > s.maxHistory {
		start = len(s.history) - s.maxHistory
	}
	h := make([]llm.Message, len(s.history)-start)
	copy(h, s.history[start:])
	return h
}

// Len returns the number of messages in history.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// Reset clears turn history only. The preamble persists; afterwards
// the state is indistinguishable from a freshly constructed one with
// the same preamble.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}
