package executor

import (
	"context"
	"fmt"
	"testing"

	"github.com/stellarlinkco/agentcore/internal/bus"
	"github.com/stellarlinkco/agentcore/internal/config"
	"github.com/stellarlinkco/agentcore/internal/llm"
	"github.com/stellarlinkco/agentcore/internal/memory"
	"github.com/stellarlinkco/agentcore/internal/router"
	"github.com/stellarlinkco/agentcore/internal/session"
	"github.com/stellarlinkco/agentcore/internal/toolkit"
)

type scriptedProvider struct {
	replies []string
	call    int
}

func (s *scriptedProvider) Name() string { return "stub" }
func (s *scriptedProvider) Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolSpec, modelID string, gen llm.GenConfig) (*llm.ChatResponse, error) {
	if s.call >= len(s.replies) {
		return nil, fmt.Errorf("scriptedProvider: no more replies scripted")
	}
	reply := s.replies[s.call]
	s.call++
	return &llm.ChatResponse{Content: reply}, nil
}
func (s *scriptedProvider) Embed(ctx context.Context, texts []string, modelID string) ([][]float32, error) {
	return nil, nil
}
func (s *scriptedProvider) Capabilities(modelID string) (llm.Capability, bool) {
	return llm.Capability{ID: modelID, Provider: "stub", Tool: true}, true
}

func newScriptedGateway(replies ...string) *llm.Gateway {
	g := llm.NewGateway()
	g.Register("stub", &scriptedProvider{replies: replies}, 1, []string{"chat"})
	return g
}

// fixedRouter always routes to the same model key, mirroring
// non-auto mode, which always returns the default chat model.
type fixedRouter struct {
	model string
}

func (f *fixedRouter) Route(ctx context.Context, messages []llm.Message, media []string, iteration int) (*router.Decision, error) {
	return &router.Decision{Model: f.model, Capability: llm.Capability{ID: "chat", Provider: "stub", Tool: true}, Reason: "fixed"}, nil
}

type fakeSessions struct {
	history      []session.Turn
	appendedUser string
	appendedAsst string
}

func (f *fakeSessions) History(key string) []session.Turn { return f.history }
func (f *fakeSessions) AppendPair(key, userContent, assistantContent string) {
	f.appendedUser = userContent
	f.appendedAsst = assistantContent
}

type fakeMemoryStore struct {
	stored []memory.Entry
}

func (f *fakeMemoryStore) Search(ctx context.Context, query string, opts memory.SearchOptions) ([]memory.Scored, error) {
	return nil, nil
}
func (f *fakeMemoryStore) Store(ctx context.Context, entry memory.Entry, vector []float32) (memory.Entry, error) {
	f.stored = append(f.stored, entry)
	return entry, nil
}

type echoTool struct {
	lastInput string
}

func (e *echoTool) Name() string                     { return "echo" }
func (e *echoTool) Description() string              { return "echoes its input" }
func (e *echoTool) InputSchema() map[string]any       { return nil }
func (e *echoTool) Execute(ctx context.Context, input string) (string, error) {
	e.lastInput = input
	return "echoed:" + input, nil
}

type failingTool struct{}

func (f *failingTool) Name() string               { return "boom" }
func (f *failingTool) Description() string        { return "always fails" }
func (f *failingTool) InputSchema() map[string]any { return nil }
func (f *failingTool) Execute(ctx context.Context, input string) (string, error) {
	return "", fmt.Errorf("boom exploded")
}

func TestHandleFinishesOnFirstIteration(t *testing.T) {
	gateway := newScriptedGateway(`{"thought":"easy","action":"finish","action_input":"hello there"}`)
	sessions := &fakeSessions{}
	mem := &fakeMemoryStore{}
	exec := New(&fixedRouter{model: "stub/chat"}, gateway, sessions, mem, toolkit.NewRegistry(), config.AgentsConfig{Auto: false}, Options{SystemPrompt: "you are helpful"})

	reply, err := exec.Handle(context.Background(), bus.InboundMessage{Channel: "telegram", ChatID: "1", Content: "hi"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply != "hello there" {
		t.Fatalf("reply = %q, want %q", reply, "hello there")
	}
	if sessions.appendedUser != "hi" || sessions.appendedAsst != "hello there" {
		t.Fatalf("history not updated: user=%q asst=%q", sessions.appendedUser, sessions.appendedAsst)
	}
	if len(mem.stored) != 2 {
		t.Fatalf("expected 2 memory entries stored (user+assistant), got %d", len(mem.stored))
	}
}

func TestHandleFinishAliasTerminatesLoop(t *testing.T) {
	for _, alias := range []string{"done", "answer", "DONE"} {
		gateway := newScriptedGateway(`{"thought":"easy","action":"` + alias + `","action_input":"aliased reply"}`)
		exec := New(&fixedRouter{model: "stub/chat"}, gateway, &fakeSessions{}, &fakeMemoryStore{}, toolkit.NewRegistry(), config.AgentsConfig{Auto: false}, Options{})

		reply, err := exec.Handle(context.Background(), bus.InboundMessage{Channel: "telegram", ChatID: "1", Content: "hi"})
		if err != nil {
			t.Fatalf("Handle(%q): %v", alias, err)
		}
		if reply != "aliased reply" {
			t.Fatalf("alias %q: reply = %q, want %q (loop should terminate on the first iteration, not exhaust maxIterations)", alias, reply, "aliased reply")
		}
	}
}

func TestHandleDispatchesToolThenFinishes(t *testing.T) {
	tool := &echoTool{}
	registry := toolkit.NewRegistry()
	registry.Register(tool)

	gateway := newScriptedGateway(
		`{"thought":"need echo","action":"echo","action_input":"ping"}`,
		`{"thought":"done","action":"finish","action_input":"pong"}`,
	)
	sessions := &fakeSessions{}
	exec := New(&fixedRouter{model: "stub/chat"}, gateway, sessions, &fakeMemoryStore{}, registry, config.AgentsConfig{Auto: false}, Options{})

	reply, err := exec.Handle(context.Background(), bus.InboundMessage{Channel: "telegram", ChatID: "1", Content: "use echo"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply != "pong" {
		t.Fatalf("reply = %q, want pong", reply)
	}
	if tool.lastInput != "ping" {
		t.Fatalf("tool input = %q, want ping", tool.lastInput)
	}
}

func TestHandleToolFailureProducesErrorObservationAndContinues(t *testing.T) {
	registry := toolkit.NewRegistry()
	registry.Register(&failingTool{})

	gateway := newScriptedGateway(
		`{"thought":"try it","action":"boom","action_input":"x"}`,
		`{"thought":"recovered","action":"finish","action_input":"handled the error"}`,
	)
	exec := New(&fixedRouter{model: "stub/chat"}, gateway, &fakeSessions{}, &fakeMemoryStore{}, registry, config.AgentsConfig{Auto: false}, Options{})

	reply, err := exec.Handle(context.Background(), bus.InboundMessage{Channel: "telegram", ChatID: "1", Content: "trigger failure"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply != "handled the error" {
		t.Fatalf("reply = %q, want 'handled the error'", reply)
	}
}

func TestHandleUnknownActionAppendsObservationAndContinues(t *testing.T) {
	gateway := newScriptedGateway(
		`{"thought":"try","action":"nonexistent_tool","action_input":"x"}`,
		`{"thought":"give up gracefully","action":"finish","action_input":"done anyway"}`,
	)
	exec := New(&fixedRouter{model: "stub/chat"}, gateway, &fakeSessions{}, &fakeMemoryStore{}, toolkit.NewRegistry(), config.AgentsConfig{Auto: false}, Options{})

	reply, err := exec.Handle(context.Background(), bus.InboundMessage{Channel: "telegram", ChatID: "1", Content: "do something weird"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply != "done anyway" {
		t.Fatalf("reply = %q, want 'done anyway'", reply)
	}
}

func TestHandleNonJSONReplyReturnsRawContent(t *testing.T) {
	gateway := newScriptedGateway("just a plain text answer, no JSON here")
	exec := New(&fixedRouter{model: "stub/chat"}, gateway, &fakeSessions{}, &fakeMemoryStore{}, toolkit.NewRegistry(), config.AgentsConfig{Auto: false}, Options{})

	reply, err := exec.Handle(context.Background(), bus.InboundMessage{Channel: "telegram", ChatID: "1", Content: "hi"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply != "just a plain text answer, no JSON here" {
		t.Fatalf("reply = %q, want raw content passthrough", reply)
	}
}

func TestHandleGatewayErrorReturnsRedactedApology(t *testing.T) {
	gateway := llm.NewGateway() // no providers registered => every Chat call fails
	exec := New(&fixedRouter{model: "stub/chat"}, gateway, &fakeSessions{}, &fakeMemoryStore{}, toolkit.NewRegistry(), config.AgentsConfig{Auto: false}, Options{})

	reply, err := exec.Handle(context.Background(), bus.InboundMessage{Channel: "telegram", ChatID: "1", Content: "hi"})
	if err != nil {
		t.Fatalf("Handle should swallow the gateway error, got: %v", err)
	}
	if reply == "" {
		t.Fatal("expected a non-empty apology reply")
	}
}

func TestHandleExhaustsIterationsWithoutFinish(t *testing.T) {
	registry := toolkit.NewRegistry()
	registry.Register(&echoTool{})

	replies := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		replies = append(replies, `{"thought":"keep going","action":"echo","action_input":"loop"}`)
	}
	gateway := newScriptedGateway(replies...)
	exec := New(&fixedRouter{model: "stub/chat"}, gateway, &fakeSessions{}, &fakeMemoryStore{}, registry, config.AgentsConfig{Auto: false}, Options{MaxIterations: 3})

	reply, err := exec.Handle(context.Background(), bus.InboundMessage{Channel: "telegram", ChatID: "1", Content: "loop forever"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply == "" {
		t.Fatal("expected a truncated-reply notice")
	}
}
