package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOllamaChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Stream {
			t.Error("Chat should not request streaming")
		}
		if req.Model != "test-model" {
			t.Errorf("model = %q", req.Model)
		}

		json.NewEncoder(w).Encode(ollamaChatResponse{
			Model:           "test-model",
			Message:         Message{Role: RoleAssistant, Content: "hi"},
			Done:            true,
			PromptEvalCount: 12,
			EvalCount:       5,
		})
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL)
	resp, err := client.Chat(context.Background(), "test-model", []Message{{Role: RoleUser, Content: "hello"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "hi" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOllamaChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if !req.Stream {
			t.Error("ChatStream with callback should request streaming")
		}

		enc := json.NewEncoder(w)
		enc.Encode(ollamaChatResponse{Message: Message{Role: RoleAssistant, Content: "Hel"}})
		enc.Encode(ollamaChatResponse{Message: Message{Role: RoleAssistant, Content: "lo"}})
		enc.Encode(ollamaChatResponse{Message: Message{Role: RoleAssistant}, Done: true, EvalCount: 2})
	}))
	defer srv.Close()

	var tokens []string
	client := NewOllamaClient(srv.URL)
	resp, err := client.ChatStream(context.Background(), "m", []Message{{Role: RoleUser, Content: "x"}}, nil, func(token string) {
		tokens = append(tokens, token)
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if got := strings.Join(tokens, ""); got != "Hello" {
		t.Errorf("streamed tokens = %q", got)
	}
	if resp.Message.Content != "Hello" {
		t.Errorf("final content = %q, want accumulated stream", resp.Message.Content)
	}
	if !resp.Done {
		t.Error("final response should be done")
	}
}

func TestOllamaStreamToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		chunk := ollamaChatResponse{Message: Message{
			Role:      RoleAssistant,
			ToolCalls: []ToolCall{NewToolCall("", "read_file", map[string]any{"path": "a.txt"})},
		}}
		enc.Encode(chunk)
		enc.Encode(ollamaChatResponse{Message: Message{Role: RoleAssistant}, Done: true})
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL)
	resp, err := client.ChatStream(context.Background(), "m", nil, nil, func(string) {})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.Message.ToolCalls)
	}
	if resp.Message.ToolCalls[0].Function.Name != "read_file" {
		t.Errorf("tool = %q", resp.Message.ToolCalls[0].Function.Name)
	}
}

func TestOllamaAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL)
	_, err := client.Chat(context.Background(), "nope", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v, want API error 404", err)
	}
}

func TestOllamaPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL)
	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestOllamaListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[{"name":"llama3.2"},{"name":"qwen2.5-coder"}]}`))
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL)
	models, err := client.ListModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 2 || models[0] != "llama3.2" {
		t.Errorf("models = %v", models)
	}
}
