// Package parser extracts a structured intent from raw model output.
//
// Models asked to emit JSON wrap it in prose, fence it in markdown, tag
// it, or mangle it outright. The parser is deliberately tolerant: it
// locates the first balanced JSON object embedded anywhere in the text
// and tries to interpret it as either a tool-call request or a final
// answer. Anything that fails to parse degrades to treating the entire
// raw text as the final answer — a malformed response must never
// terminate the session.
//
// When a response contains more than one JSON object, only the first
// balanced block is interpreted; the rest is ignored.
package parser

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/llm"
)

// Result is the parsed intent of one model turn. Exactly one of
// ToolCalls or Response is meaningful: a non-empty ToolCalls means the
// model wants tools executed, otherwise Response is the final answer.
type Result struct {
	// Thought is the model's stated reasoning, when present.
	Thought string
	// ToolCalls are the requested tool invocations, in order.
	ToolCalls []llm.ToolCall
	// Response is the final answer text.
	Response string
}

// IsToolCall reports whether the result requests tool execution.
func (r Result) IsToolCall() bool { return len(r.ToolCalls) > 0 }

// payload is the structured shape the model is prompted to emit.
type payload struct {
	Thought   string        `json:"thought"`
	ToolCalls []payloadCall `json:"tool_calls"`
	Response  *string       `json:"response"`
}

type payloadCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Parse interprets the full accumulated text of one model turn.
func Parse(raw string) Result {
	content := raw

	// Strip a <tool_call> wrapper if present; some models tag their
	// JSON this way regardless of prompting.
	if start := strings.Index(content, "<tool_call>"); start != -1 {
		inner := content[start+len("<tool_call>"):]
		if end := strings.Index(inner, "</tool_call>"); end != -1 {
			inner = inner[:end]
		}
		content = inner
	}

	block, ok := firstJSONObject(content)
	if !ok {
		return Result{Response: raw}
	}

	var p payload
	if err := json.Unmarshal([]byte(block), &p); err != nil {
		return Result{Response: raw}
	}

	calls := make([]llm.ToolCall, 0, len(p.ToolCalls))
	for _, c := range p.ToolCalls {
		if c.Name == "" {
			continue
		}
		id := c.ID
		if id == "" {
			id = uuid.New().String()
		}
		args := c.Arguments
		if args == nil {
			args = map[string]any{}
		}
		calls = append(calls, llm.NewToolCall(id, c.Name, args))
	}

	if len(calls) > 0 {
		return Result{Thought: p.Thought, ToolCalls: calls}
	}
	if p.Response != nil {
		return Result{Thought: p.Thought, Response: *p.Response}
	}

	// A JSON object with neither tool calls nor a response field is
	// not ours to interpret.
	return Result{Response: raw}
}

// firstJSONObject returns the first balanced brace-delimited block in
// s. Braces inside JSON strings (and escaped quotes inside those
// strings) do not count toward balance.
func firstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}

	return "", false
}
