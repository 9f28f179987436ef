package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/httpkit"
)

// LlamaCppClient talks to a llama.cpp server (llama-server) through its
// OpenAI-compatible chat completions endpoint. Unlike Ollama's
// newline-delimited JSON, streaming responses arrive as server-sent
// events ("data: {...}" lines terminated by "data: [DONE]").
type LlamaCppClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewLlamaCppClient creates a client for a llama.cpp server.
func NewLlamaCppClient(baseURL string) *LlamaCppClient {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &LlamaCppClient{
		baseURL: baseURL,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(5 * time.Minute),
		),
	}
}

// oaiMessage is the OpenAI wire format for a chat message. Tool call
// arguments are a JSON-encoded string on the wire, unlike Ollama's
// object form, so conversion happens at this boundary.
type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiToolCall struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaiChatRequest struct {
	Model    string           `json:"model"`
	Messages []oaiMessage     `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type oaiChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      oaiMessage `json:"message"`
		Delta        oaiMessage `json:"delta"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func toOAIMessages(messages []Message) []oaiMessage {
	out := make([]oaiMessage, len(messages))
	for i, m := range messages {
		om := oaiMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			var otc oaiToolCall
			otc.ID = tc.ID
			otc.Type = "function"
			otc.Function.Name = tc.Function.Name
			if args, err := json.Marshal(tc.Function.Arguments); err == nil {
				otc.Function.Arguments = string(args)
			}
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		out[i] = om
	}
	return out
}

func fromOAIToolCalls(calls []oaiToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, otc := range calls {
		args := map[string]any{}
		if otc.Function.Arguments != "" {
			// Malformed arguments degrade to an empty map; the tool
			// itself reports missing parameters.
			_ = json.Unmarshal([]byte(otc.Function.Arguments), &args)
		}
		out = append(out, NewToolCall(otc.ID, otc.Function.Name, args))
	}
	return out
}

// Chat sends a chat completion request to the llama.cpp server.
func (c *LlamaCppClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a streaming chat request. If callback is non-nil,
// tokens are streamed to it.
func (c *LlamaCppClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	req := oaiChatRequest{
		Model:    model,
		Messages: toOAIMessages(messages),
		Stream:   stream,
		Tools:    tools,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	if !stream {
		var chatResp oaiChatResponse
		if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if len(chatResp.Choices) == 0 {
			return nil, fmt.Errorf("empty choices in response")
		}
		choice := chatResp.Choices[0]
		return &ChatResponse{
			Model:     chatResp.Model,
			CreatedAt: time.Now(),
			Message: Message{
				Role:      "assistant",
				Content:   choice.Message.Content,
				ToolCalls: fromOAIToolCalls(choice.Message.ToolCalls),
			},
			Done:         true,
			InputTokens:  chatResp.Usage.PromptTokens,
			OutputTokens: chatResp.Usage.CompletionTokens,
		}, nil
	}

	// Streaming: server-sent events, one JSON chunk per "data:" line.
	var contentBuilder strings.Builder
	var toolCalls []oaiToolCall
	var modelName string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var chunk oaiChatResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Model != "" {
			modelName = chunk.Model
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			contentBuilder.WriteString(delta.Content)
			callback(delta.Content)
		}
		if len(delta.ToolCalls) > 0 {
			toolCalls = append(toolCalls, delta.ToolCalls...)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	return &ChatResponse{
		Model:     modelName,
		CreatedAt: time.Now(),
		Message: Message{
			Role:      "assistant",
			Content:   contentBuilder.String(),
			ToolCalls: fromOAIToolCalls(toolCalls),
		},
		Done: true,
	}, nil
}

// Ping checks if the llama.cpp server is reachable.
func (c *LlamaCppClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}

	return nil
}
