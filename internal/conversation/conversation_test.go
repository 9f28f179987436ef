package conversation

import (
	"fmt"
	"sync"
	"testing"

	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/llm"
)

func TestAppendOrdering(t *testing.T) {
	s := New("preamble", 0)

	s.AppendUser("hello")
	s.AppendAssistant("hi there", nil)
	s.AppendUser("read main.go")

	h := s.History()
	if len(h) != 3 {
		t.Fatalf("history length = %d, want 3", len(h))
	}
	wantRoles := []string{llm.RoleUser, llm.RoleAssistant, llm.RoleUser}
	for i, want := range wantRoles {
		if h[i].Role != want {
			t.Errorf("message %d role = %q, want %q", i, h[i].Role, want)
		}
	}
}

func TestAppendToolResult(t *testing.T) {
	s := New("", 0)

	calls := []llm.ToolCall{llm.NewToolCall("call_1", "read_file", map[string]any{"path": "a.txt"})}
	s.AppendAssistant("", calls)
	s.AppendToolResult("call_1", "file contents")

	h := s.History()
	if len(h) != 2 {
		t.Fatalf("history length = %d, want 2", len(h))
	}
	if h[1].Role != llm.RoleTool {
		t.Errorf("role = %q, want %q", h[1].Role, llm.RoleTool)
	}
	if h[1].ToolCallID != "call_1" {
		t.Errorf("ToolCallID = %q, want %q", h[1].ToolCallID, "call_1")
	}
	if h[1].Content != "file contents" {
		t.Errorf("Content = %q", h[1].Content)
	}
}

func TestHistoryIsACopy(t *testing.T) {
	s := New("", 0)
	s.AppendUser("one")

	h := s.History()
	h[0].Content = "mutated"

	if got := s.History()[0].Content; got != "one" {
		t.Errorf("internal history mutated through returned slice: %q", got)
	}
}

func TestWindowBound(t *testing.T) {
	s := New("", 3)
	for i := 0; i < 10; i++ {
		s.AppendUser(fmt.Sprintf("message %d", i))
	}

	w := s.Window()
	if len(w) != 3 {
		t.Fatalf("window length = %d, want 3", len(w))
	}
	if w[0].Content != "message 7" {
		t.Errorf("window starts at %q, want %q", w[0].Content, "message 7")
	}
	if w[2].Content != "message 9" {
		t.Errorf("window ends at %q, want %q", w[2].Content, "message 9")
	}

	// Full history is untouched by the window bound.
	if got := s.Len(); got != 10 {
		t.Errorf("Len() = %d, want 10", got)
	}
}

func TestWindowUnbounded(t *testing.T) {
	s := New("", 0)
	for i := 0; i < 5; i++ {
		s.AppendUser("m")
	}
	if got := len(s.Window()); got != 5 {
		t.Errorf("unbounded window length = %d, want 5", got)
	}
}

func TestResetKeepsPreamble(t *testing.T) {
	s := New("you are a helpful assistant", 0)
	s.AppendUser("hello")
	s.AppendAssistant("hi", nil)

	s.Reset()

	if got := s.Len(); got != 0 {
		t.Errorf("Len() after reset = %d, want 0", got)
	}
	if got := s.Preamble(); got != "you are a helpful assistant" {
		t.Errorf("preamble after reset = %q", got)
	}
}

func TestSetPreambleReplacesWholesale(t *testing.T) {
	s := New("original", 0)
	s.SetPreamble("replacement")

	if got := s.Preamble(); got != "replacement" {
		t.Errorf("preamble = %q, want %q", got, "replacement")
	}
}

func TestConcurrentAppends(t *testing.T) {
	s := New("", 0)
	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				s.AppendUser("m")
			}
		}()
	}
	wg.Wait()

	if got := s.Len(); got != writers*perWriter {
		t.Errorf("Len() = %d, want %d", got, writers*perWriter)
	}
}
