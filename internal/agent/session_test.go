package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/approval"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/events"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/llm"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/prompts"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/tools"
)

// fakeClient returns scripted responses in order. A nil entry yields
// an error.
type fakeClient struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	calls     int
	seen      [][]llm.Message
}

func (f *fakeClient) Chat(ctx context.Context, model string, messages []llm.Message, toolDefs []map[string]any) (*llm.ChatResponse, error) {
	return f.ChatStream(ctx, model, messages, toolDefs, nil)
}

func (f *fakeClient) ChatStream(ctx context.Context, model string, messages []llm.Message, toolDefs []map[string]any, callback llm.StreamCallback) (*llm.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	copied := make([]llm.Message, len(messages))
	copy(copied, messages)
	f.seen = append(f.seen, copied)

	if f.calls >= len(f.responses) {
		return nil, errors.New("fake client: no more scripted responses")
	}
	resp := f.responses[f.calls]
	f.calls++
	if resp == nil {
		return nil, errors.New("fake client: scripted error")
	}
	if callback != nil && resp.Message.Content != "" {
		// Stream the content in two chunks to exercise accumulation.
		half := len(resp.Message.Content) / 2
		callback(resp.Message.Content[:half])
		callback(resp.Message.Content[half:])
	}
	return resp, nil
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func textResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: content}, Done: true}
}

func toolResponse(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: calls}, Done: true}
}

// testRegistry builds a registry with a trivial echo tool and an
// approval-gated tool.
func testRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry(nil, nil, nil)
	r.Register(&tools.Tool{
		Name:        "echo",
		Description: "echoes its input",
		Parameters:  map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			return "echo: " + text, nil
		},
	})
	r.Register(&tools.Tool{
		Name:             "guarded",
		Description:      "requires approval",
		Parameters:       map[string]any{"type": "object"},
		RequiresApproval: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "guarded ran", nil
		},
	})
	r.Register(&tools.Tool{
		Name:        "failing",
		Description: "always fails",
		Parameters:  map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", fmt.Errorf("tool exploded")
		},
	})
	return r
}

type sessionFixture struct {
	session *Session
	client  *fakeClient
	bus     *events.Bus
	sub     <-chan events.Event
}

func newFixture(t *testing.T, client *fakeClient, opts func(*Options)) *sessionFixture {
	t.Helper()

	bus := events.New()
	o := Options{
		SessionID:     "test",
		Client:        client,
		Model:         "test-model",
		SupportsTools: true,
		Registry:      testRegistry(t),
		Bus:           bus,
		Preamble:      "system prompt",
		MaxIterations: 5,
		AutoApprove:   true,
	}
	if opts != nil {
		opts(&o)
	}

	sub := bus.Subscribe(256)
	t.Cleanup(func() { bus.Unsubscribe(sub) })

	return &sessionFixture{
		session: NewSession(o),
		client:  client,
		bus:     bus,
		sub:     sub,
	}
}

// drainEvents collects everything published so far.
func (f *sessionFixture) drainEvents() []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-f.sub:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventKinds(evs []events.Event) []string {
	kinds := make([]string, len(evs))
	for i, ev := range evs {
		kinds[i] = ev.Kind
	}
	return kinds
}

func findEvent(evs []events.Event, kind string) (events.Event, bool) {
	for _, ev := range evs {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return events.Event{}, false
}

func TestDirectResponse(t *testing.T) {
	client := &fakeClient{responses: []*llm.ChatResponse{textResponse("hello back")}}
	f := newFixture(t, client, nil)

	got, err := f.session.HandleMessage(context.Background(), "hello")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if got != "hello back" {
		t.Errorf("response = %q, want %q", got, "hello back")
	}
	if state := f.session.State(); state != StateIdle {
		t.Errorf("state after turn = %q, want idle", state)
	}

	evs := f.drainEvents()
	if _, ok := findEvent(evs, events.KindUserMessage); !ok {
		t.Errorf("missing user_message_received event (got %v)", eventKinds(evs))
	}
	if ev, ok := findEvent(evs, events.KindAgentResponse); !ok {
		t.Error("missing agent_response event")
	} else if ev.Data["text"] != "hello back" {
		t.Errorf("agent_response text = %v", ev.Data["text"])
	}
	if _, ok := findEvent(evs, events.KindResponseStream); !ok {
		t.Error("missing agent_response_stream event")
	}

	// A prose-only turn touches no tools.
	responses := 0
	for _, ev := range evs {
		switch ev.Kind {
		case events.KindAgentResponse:
			responses++
		case events.KindToolCall, events.KindToolResult:
			t.Errorf("unexpected %s event for a prose-only turn", ev.Kind)
		}
	}
	if responses != 1 {
		t.Errorf("got %d agent_response events, want exactly 1", responses)
	}
}

func TestSystemPromptLeadsEveryCall(t *testing.T) {
	client := &fakeClient{responses: []*llm.ChatResponse{textResponse("ok")}}
	f := newFixture(t, client, nil)

	if _, err := f.session.HandleMessage(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}

	if len(client.seen) != 1 {
		t.Fatalf("model called %d times, want 1", len(client.seen))
	}
	first := client.seen[0][0]
	if first.Role != llm.RoleSystem || first.Content != "system prompt" {
		t.Errorf("first message = %+v, want the system preamble", first)
	}
}

func TestNativeToolCallThenResponse(t *testing.T) {
	call := llm.NewToolCall("call_1", "echo", map[string]any{"text": "hi"})
	client := &fakeClient{responses: []*llm.ChatResponse{
		toolResponse(call),
		textResponse("done"),
	}}
	f := newFixture(t, client, nil)

	got, err := f.session.HandleMessage(context.Background(), "run echo")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if got != "done" {
		t.Errorf("response = %q, want %q", got, "done")
	}

	// Second model call must include the tool result message.
	if len(client.seen) != 2 {
		t.Fatalf("model called %d times, want 2", len(client.seen))
	}
	second := client.seen[1]
	last := second[len(second)-1]
	if last.Role != llm.RoleTool || last.ToolCallID != "call_1" {
		t.Errorf("last message before second call = %+v, want the tool result", last)
	}
	if !strings.Contains(last.Content, "echo: hi") {
		t.Errorf("tool result content = %q", last.Content)
	}

	evs := f.drainEvents()
	if ev, ok := findEvent(evs, events.KindToolCall); !ok {
		t.Error("missing tool_call event")
	} else if ev.Data["tool"] != "echo" {
		t.Errorf("tool_call tool = %v", ev.Data["tool"])
	}
	if ev, ok := findEvent(evs, events.KindToolResult); !ok {
		t.Error("missing tool_result event")
	} else if success, _ := ev.Data["success"].(bool); !success {
		t.Error("tool_result success = false, want true")
	}
}

func TestNativeToolCallsWithoutIDsGetDistinctOnes(t *testing.T) {
	// Ollama's native tool_calls arrive with no id field. The loop
	// must mint one per call so each result pairs with its request.
	client := &fakeClient{responses: []*llm.ChatResponse{
		toolResponse(
			llm.NewToolCall("", "echo", map[string]any{"text": "one"}),
			llm.NewToolCall("", "echo", map[string]any{"text": "two"}),
		),
		textResponse("done"),
	}}
	f := newFixture(t, client, nil)

	if _, err := f.session.HandleMessage(context.Background(), "run both"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	if len(client.seen) != 2 {
		t.Fatalf("model called %d times, want 2", len(client.seen))
	}
	second := client.seen[1]
	var results []llm.Message
	for _, m := range second {
		if m.Role == llm.RoleTool {
			results = append(results, m)
		}
	}
	if len(results) != 2 {
		t.Fatalf("got %d tool result messages, want 2", len(results))
	}
	for i, m := range results {
		if m.ToolCallID == "" {
			t.Errorf("tool result %d has an empty ToolCallID", i)
		}
	}
	if results[0].ToolCallID == results[1].ToolCallID {
		t.Errorf("tool results share ToolCallID %q, want distinct ids", results[0].ToolCallID)
	}
}

func TestParsedTextToolCall(t *testing.T) {
	raw := `{"thought": "let me echo", "tool_calls": [{"name": "echo", "arguments": {"text": "parsed"}}], "response": null}`
	client := &fakeClient{responses: []*llm.ChatResponse{
		textResponse(raw),
		textResponse(`{"thought": "", "tool_calls": [], "response": "all done"}`),
	}}
	f := newFixture(t, client, func(o *Options) { o.SupportsTools = false })

	got, err := f.session.HandleMessage(context.Background(), "go")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if got != "all done" {
		t.Errorf("response = %q, want %q", got, "all done")
	}

	evs := f.drainEvents()
	if ev, ok := findEvent(evs, events.KindToolResult); !ok {
		t.Error("missing tool_result event")
	} else if !strings.Contains(ev.Data["result"].(string), "echo: parsed") {
		t.Errorf("tool result = %v", ev.Data["result"])
	}

	// The thought should surface as an agent_thinking event.
	found := false
	for _, ev := range evs {
		if ev.Kind == events.KindAgentThinking && ev.Data["text"] == "let me echo" {
			found = true
		}
	}
	if !found {
		t.Error("expected agent_thinking event carrying the parsed thought")
	}
}

func TestUnknownToolContinuesLoop(t *testing.T) {
	call := llm.NewToolCall("call_1", "no_such_tool", map[string]any{})
	client := &fakeClient{responses: []*llm.ChatResponse{
		toolResponse(call),
		textResponse("recovered"),
	}}
	f := newFixture(t, client, nil)

	got, err := f.session.HandleMessage(context.Background(), "try it")
	if err != nil {
		t.Fatalf("unknown tool must not fail the turn: %v", err)
	}
	if got != "recovered" {
		t.Errorf("response = %q, want %q", got, "recovered")
	}

	// The failure went back to the model as a tool result.
	second := client.seen[1]
	last := second[len(second)-1]
	if last.Role != llm.RoleTool {
		t.Fatalf("expected tool result message, got role %q", last.Role)
	}
	if !strings.Contains(last.Content, "no_such_tool") {
		t.Errorf("tool result should name the missing tool: %q", last.Content)
	}

	evs := f.drainEvents()
	if ev, ok := findEvent(evs, events.KindToolResult); !ok {
		t.Error("missing tool_result event")
	} else if success, _ := ev.Data["success"].(bool); success {
		t.Error("tool_result success = true, want false")
	}
}

func TestFailingToolContinuesLoop(t *testing.T) {
	call := llm.NewToolCall("call_1", "failing", map[string]any{})
	client := &fakeClient{responses: []*llm.ChatResponse{
		toolResponse(call),
		textResponse("noted the failure"),
	}}
	f := newFixture(t, client, nil)

	got, err := f.session.HandleMessage(context.Background(), "go")
	if err != nil {
		t.Fatalf("tool failure must not fail the turn: %v", err)
	}
	if got != "noted the failure" {
		t.Errorf("response = %q", got)
	}

	second := client.seen[1]
	last := second[len(second)-1]
	if !strings.Contains(last.Content, "tool exploded") {
		t.Errorf("tool result should carry the error: %q", last.Content)
	}
}

func TestSequentialToolExecution(t *testing.T) {
	var order []string
	var mu sync.Mutex

	registry := tools.NewRegistry(nil, nil, nil)
	for _, name := range []string{"first", "second"} {
		name := name
		registry.Register(&tools.Tool{
			Name:       name,
			Parameters: map[string]any{"type": "object"},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return name, nil
			},
		})
	}

	client := &fakeClient{responses: []*llm.ChatResponse{
		toolResponse(
			llm.NewToolCall("c1", "first", map[string]any{}),
			llm.NewToolCall("c2", "second", map[string]any{}),
		),
		textResponse("ok"),
	}}
	f := newFixture(t, client, func(o *Options) { o.Registry = registry })

	if _, err := f.session.HandleMessage(context.Background(), "go"); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("execution order = %v, want [first second]", order)
	}
}

func TestApprovalDenied(t *testing.T) {
	call := llm.NewToolCall("call_1", "guarded", map[string]any{})
	client := &fakeClient{responses: []*llm.ChatResponse{
		toolResponse(call),
		textResponse("understood"),
	}}

	// Deny every request as soon as it arrives.
	var gate *approval.Gate
	gate = approval.New(time.Minute, func(requestID, toolName string, args map[string]any) {
		go gate.Resolve(requestID, false)
	}, nil)

	f := newFixture(t, client, func(o *Options) {
		o.AutoApprove = false
		o.Gate = gate
	})

	got, err := f.session.HandleMessage(context.Background(), "go")
	if err != nil {
		t.Fatalf("denied approval must not fail the turn: %v", err)
	}
	if got != "understood" {
		t.Errorf("response = %q", got)
	}

	second := client.seen[1]
	last := second[len(second)-1]
	if !strings.Contains(last.Content, "not approved") {
		t.Errorf("tool result should say the call was not approved: %q", last.Content)
	}
	if strings.Contains(last.Content, "guarded ran") {
		t.Error("denied tool must never execute")
	}
}

func TestResetMidTurnDeniesPendingApproval(t *testing.T) {
	call := llm.NewToolCall("call_1", "guarded", map[string]any{})
	client := &fakeClient{responses: []*llm.ChatResponse{
		toolResponse(call),
		textResponse("after denial"),
		textResponse("fresh answer"),
	}}

	// The operator hits reset instead of answering the approval.
	var sess *Session
	gate := approval.New(time.Minute, func(requestID, toolName string, args map[string]any) {
		go sess.Reset()
	}, nil)

	f := newFixture(t, client, func(o *Options) {
		o.AutoApprove = false
		o.Gate = gate
	})
	sess = f.session

	got, err := sess.HandleMessage(context.Background(), "go")
	if err != nil {
		t.Fatalf("reset during approval must not fail the turn: %v", err)
	}
	if got != "after denial" {
		t.Errorf("response = %q", got)
	}
	if gate.PendingCount() != 0 {
		t.Errorf("pending approvals after reset = %d, want 0", gate.PendingCount())
	}

	// The next message starts cleanly.
	if got, err := sess.HandleMessage(context.Background(), "again"); err != nil || got != "fresh answer" {
		t.Errorf("next turn = %q, %v", got, err)
	}
}

func TestApprovalGranted(t *testing.T) {
	call := llm.NewToolCall("call_1", "guarded", map[string]any{})
	client := &fakeClient{responses: []*llm.ChatResponse{
		toolResponse(call),
		textResponse("finished"),
	}}

	var gate *approval.Gate
	gate = approval.New(time.Minute, func(requestID, toolName string, args map[string]any) {
		go gate.Resolve(requestID, true)
	}, nil)

	f := newFixture(t, client, func(o *Options) {
		o.AutoApprove = false
		o.Gate = gate
	})

	got, err := f.session.HandleMessage(context.Background(), "go")
	if err != nil {
		t.Fatal(err)
	}
	if got != "finished" {
		t.Errorf("response = %q", got)
	}

	second := client.seen[1]
	last := second[len(second)-1]
	if !strings.Contains(last.Content, "guarded ran") {
		t.Errorf("tool result = %q, want the tool's output", last.Content)
	}
}

func TestAutoApproveSkipsGate(t *testing.T) {
	call := llm.NewToolCall("call_1", "guarded", map[string]any{})
	client := &fakeClient{responses: []*llm.ChatResponse{
		toolResponse(call),
		textResponse("ok"),
	}}

	// No gate at all: with AutoApprove the session must never touch it.
	f := newFixture(t, client, func(o *Options) {
		o.AutoApprove = true
		o.Gate = nil
	})

	if _, err := f.session.HandleMessage(context.Background(), "go"); err != nil {
		t.Fatalf("auto-approve should bypass the gate entirely: %v", err)
	}
}

func TestMaxIterations(t *testing.T) {
	// The model asks for a tool on every iteration and never answers.
	call := llm.NewToolCall("c", "echo", map[string]any{"text": "again"})
	responses := make([]*llm.ChatResponse, 0, 8)
	for i := 0; i < 8; i++ {
		responses = append(responses, toolResponse(call))
	}
	client := &fakeClient{responses: responses}
	f := newFixture(t, client, func(o *Options) { o.MaxIterations = 3 })

	got, err := f.session.HandleMessage(context.Background(), "loop forever")
	if err != nil {
		t.Fatalf("hitting the cap must not fail the turn: %v", err)
	}
	if got != prompts.MaxIterationsNotice {
		t.Errorf("response = %q, want the iteration cap notice", got)
	}
	if client.calls != 3 {
		t.Errorf("model called %d times, want exactly 3", client.calls)
	}
	if state := f.session.State(); state != StateIdle {
		t.Errorf("state = %q, want idle", state)
	}
}

func TestEmptyResponseFallback(t *testing.T) {
	client := &fakeClient{responses: []*llm.ChatResponse{textResponse("")}}
	f := newFixture(t, client, nil)

	got, err := f.session.HandleMessage(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if got != prompts.EmptyResponseFallback {
		t.Errorf("response = %q, want the empty-response fallback", got)
	}
}

func TestInferenceErrorReturnsToIdle(t *testing.T) {
	client := &fakeClient{responses: []*llm.ChatResponse{nil}}
	f := newFixture(t, client, nil)

	_, err := f.session.HandleMessage(context.Background(), "hi")
	if err == nil {
		t.Fatal("expected an error")
	}
	if state := f.session.State(); state != StateIdle {
		t.Errorf("state after failure = %q, want idle", state)
	}

	evs := f.drainEvents()
	if _, ok := findEvent(evs, events.KindError); !ok {
		t.Error("missing error event")
	}
}

func TestBusyRejection(t *testing.T) {
	block := make(chan struct{})
	registry := tools.NewRegistry(nil, nil, nil)
	registry.Register(&tools.Tool{
		Name:       "slow",
		Parameters: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			<-block
			return "done", nil
		},
	})

	client := &fakeClient{responses: []*llm.ChatResponse{
		toolResponse(llm.NewToolCall("c", "slow", map[string]any{})),
		textResponse("ok"),
	}}
	f := newFixture(t, client, func(o *Options) { o.Registry = registry })

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, _ = f.session.HandleMessage(context.Background(), "first")
	}()

	// Wait until the first turn is inside the tool handler.
	deadline := time.After(time.Second)
	for f.session.State() != StateExecutingTool {
		select {
		case <-deadline:
			t.Fatal("first turn never reached tool execution")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if _, err := f.session.HandleMessage(context.Background(), "second"); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent turn error = %v, want ErrBusy", err)
	}

	// The rejection must also surface on the event stream so a
	// connected client knows its message was dropped.
	evs := f.drainEvents()
	if ev, ok := findEvent(evs, events.KindError); !ok {
		t.Errorf("missing error event for the rejected turn (got %v)", eventKinds(evs))
	} else if msg, _ := ev.Data["message"].(string); !strings.Contains(msg, "already in progress") {
		t.Errorf("error event message = %q", msg)
	}

	close(block)
	<-firstDone
}

func TestEventOrdering(t *testing.T) {
	call := llm.NewToolCall("c1", "echo", map[string]any{"text": "x"})
	client := &fakeClient{responses: []*llm.ChatResponse{
		toolResponse(call),
		textResponse("done"),
	}}
	f := newFixture(t, client, nil)

	if _, err := f.session.HandleMessage(context.Background(), "go"); err != nil {
		t.Fatal(err)
	}

	kinds := eventKinds(f.drainEvents())

	// The observable sequence for a tool-call turn: the user message
	// first, tool_call before tool_result, and the final response last.
	pos := func(kind string) int {
		for i, k := range kinds {
			if k == kind {
				return i
			}
		}
		t.Fatalf("missing %s in %v", kind, kinds)
		return -1
	}
	if pos(events.KindUserMessage) != 0 {
		t.Errorf("user_message_received not first: %v", kinds)
	}
	if pos(events.KindToolCall) > pos(events.KindToolResult) {
		t.Errorf("tool_call after tool_result: %v", kinds)
	}
	if kinds[len(kinds)-1] != events.KindAgentResponse {
		t.Errorf("agent_response not last: %v", kinds)
	}
}

func TestReset(t *testing.T) {
	client := &fakeClient{responses: []*llm.ChatResponse{textResponse("hi")}}
	f := newFixture(t, client, func(o *Options) {
		o.Gate = approval.New(time.Minute, nil, nil)
	})

	if _, err := f.session.HandleMessage(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	if f.session.Conversation().Len() == 0 {
		t.Fatal("expected history before reset")
	}

	f.session.Reset()

	if got := f.session.Conversation().Len(); got != 0 {
		t.Errorf("history length after reset = %d, want 0", got)
	}
	if got := f.session.Conversation().Preamble(); got != "system prompt" {
		t.Errorf("preamble after reset = %q", got)
	}
	if state := f.session.State(); state != StateIdle {
		t.Errorf("state after reset = %q, want idle", state)
	}
}

func TestStreamAccumulation(t *testing.T) {
	client := &fakeClient{responses: []*llm.ChatResponse{textResponse("streamed answer")}}
	f := newFixture(t, client, nil)

	if _, err := f.session.HandleMessage(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}

	evs := f.drainEvents()
	var streams []string
	for _, ev := range evs {
		if ev.Kind == events.KindResponseStream {
			streams = append(streams, ev.Data["text"].(string))
		}
	}
	if len(streams) < 2 {
		t.Fatalf("got %d stream events, want at least 2", len(streams))
	}
	// Stream events carry the accumulated text so far; the last one
	// must be the full answer.
	if streams[len(streams)-1] != "streamed answer" {
		t.Errorf("final stream text = %q", streams[len(streams)-1])
	}
	for i := 1; i < len(streams); i++ {
		if !strings.HasPrefix(streams[i], streams[i-1]) {
			t.Errorf("stream %d (%q) does not extend stream %d (%q)", i, streams[i], i-1, streams[i-1])
		}
	}
}
