// Package executor implements the Agent Executor: a bounded,
// tool-using ReAct loop. It assembles a turn's message sequence, asks
// the Model Router for a model each iteration, calls the LLM Gateway,
// parses the reply as a ReAct action, dispatches tools through the
// registry, and maintains per-session history.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/stellarlinkco/agentcore/internal/bus"
	"github.com/stellarlinkco/agentcore/internal/config"
	"github.com/stellarlinkco/agentcore/internal/llm"
	"github.com/stellarlinkco/agentcore/internal/memory"
	"github.com/stellarlinkco/agentcore/internal/redact"
	"github.com/stellarlinkco/agentcore/internal/router"
	"github.com/stellarlinkco/agentcore/internal/session"
	"github.com/stellarlinkco/agentcore/internal/toolkit"
)

const defaultMaxIterations = 20

// reactTemplate is injected at iteration 0, templated with the
// current tool catalog (§4.2: "the ReAct system prompt, templated
// with the current tool catalog, is injected at iteration 0").
const reactTemplate = `You reason step by step and act through tools. Available tools:
%s

Respond with a single JSON object on each turn: {"thought": "...", "action": "<tool name or finish>", "action_input": "..."}.
Call action "finish" with the final answer in action_input when you are done.`

// Router is the subset of internal/router.Router the executor needs.
type Router interface {
	Route(ctx context.Context, messages []llm.Message, media []string, iteration int) (*router.Decision, error)
}

// MemoryStore is the subset of internal/memory.Store the executor
// reads for retrieval and core-profile injection, and writes
// conversation turns to.
type MemoryStore interface {
	Search(ctx context.Context, query string, opts memory.SearchOptions) ([]memory.Scored, error)
	Store(ctx context.Context, entry memory.Entry, vector []float32) (memory.Entry, error)
}

// Sessions is the subset of internal/session.Store the executor reads
// and appends history to.
type Sessions interface {
	History(key string) []session.Turn
	AppendPair(key, userContent, assistantContent string)
}

// Options configures a new Executor.
type Options struct {
	SystemPrompt  string   // base identity/behavior prompt
	AlwaysSkills  []string // always-on skill bodies, inlined every turn
	SkillCatalog  []string // progressive-disclosure skill summaries
	MaxIterations int      // 0 => defaultMaxIterations
	ChatModel     string   // fully-qualified fallback model key
}

// Executor runs the ReAct loop.
type Executor struct {
	router      Router
	gateway     *llm.Gateway
	sessions    Sessions
	memoryStore MemoryStore
	tools       *toolkit.Registry
	agents      config.AgentsConfig

	systemPrompt  string
	alwaysSkills  []string
	skillCatalog  []string
	maxIterations int
	chatModel     string
}

// New builds an Executor over its collaborators.
func New(r Router, gateway *llm.Gateway, sessions Sessions, memoryStore MemoryStore, tools *toolkit.Registry, agents config.AgentsConfig, opts Options) *Executor {
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	return &Executor{
		router:        r,
		gateway:       gateway,
		sessions:      sessions,
		memoryStore:   memoryStore,
		tools:         tools,
		agents:        agents,
		systemPrompt:  opts.SystemPrompt,
		alwaysSkills:  opts.AlwaysSkills,
		skillCatalog:  opts.SkillCatalog,
		maxIterations: maxIter,
		chatModel:     opts.ChatModel,
	}
}

// Handle runs one full ReAct turn for an inbound message: assembly,
// bounded iteration, history update, and redaction of the reply on
// the way out.
func (e *Executor) Handle(ctx context.Context, msg bus.InboundMessage) (string, error) {
	sessionKey := msg.SessionKey()
	history := e.sessions.History(sessionKey)

	messages := e.assemble(ctx, sessionKey, history, msg)

	reply, err := e.run(ctx, messages, msg.Media)
	if err != nil {
		log.Printf("[executor] session %s: %v", sessionKey, err)
		return redact.Redact("I ran into an error handling that, sorry."), nil
	}

	e.sessions.AppendPair(sessionKey, msg.Content, reply)

	if e.memoryStore != nil {
		e.storeTurn(ctx, sessionKey, session.RoleUser, msg.Content)
		e.storeTurn(ctx, sessionKey, session.RoleAssistant, reply)
	}

	return redact.Redact(reply), nil
}

// assemble builds the turn's message sequence: (1) system block =
// base prompt + always-skills + skill catalog + core profile entries
// + ReAct instructions; (2) recent history (≤ 50 turns, enforced by
// internal/session already); (3) the current user turn.
func (e *Executor) assemble(ctx context.Context, sessionKey string, history []session.Turn, msg bus.InboundMessage) []llm.Message {
	var sys strings.Builder
	sys.WriteString(e.systemPrompt)
	for _, skill := range e.alwaysSkills {
		sys.WriteString("\n\n")
		sys.WriteString(skill)
	}
	if len(e.skillCatalog) > 0 {
		sys.WriteString("\n\n# Available skills\n")
		for _, summary := range e.skillCatalog {
			sys.WriteString("- ")
			sys.WriteString(summary)
			sys.WriteString("\n")
		}
	}
	if profile := e.loadCoreProfile(ctx); profile != "" {
		sys.WriteString("\n\n# Core Memory\n")
		sys.WriteString(profile)
	}
	sys.WriteString("\n\n")
	sys.WriteString(fmt.Sprintf(reactTemplate, e.toolCatalog()))

	if relevant := e.retrieveMemories(ctx, msg.Content); relevant != "" {
		sys.WriteString("\n\n# Relevant memory\n")
		sys.WriteString(relevant)
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: sys.String()})
	for _, t := range history {
		messages = append(messages, llm.Message{Role: string(t.Role), Content: t.Content, ToolCallID: t.ToolCallID})
	}
	messages = append(messages, llm.Message{Role: "user", Content: msg.Content, Parts: mediaParts(msg.Media)})
	return messages
}

// toolCatalog renders the registry's known tool names for the ReAct
// template. Tool bodies are an external collaborator; the executor
// only needs their names for the prompt.
func (e *Executor) toolCatalog() string {
	if e.tools == nil {
		return "(none registered)"
	}
	names := e.tools.Names()
	if len(names) == 0 {
		return "(none registered)"
	}
	return strings.Join(names, ", ")
}

// loadCoreProfile renders type=entity memories tagged "profile" back
// into the system prompt, the supplemented feature mirroring the
// teacher's tier-1 profile mechanism (SPEC_FULL.md §9).
func (e *Executor) loadCoreProfile(ctx context.Context) string {
	if e.memoryStore == nil {
		return ""
	}
	scored, err := e.memoryStore.Search(ctx, "", memory.SearchOptions{
		Mode:  memory.ModeFulltext,
		Type:  memory.TypeEntity,
		Limit: 50,
	})
	if err != nil {
		log.Printf("[executor] core profile load warning: %v", err)
		return ""
	}
	var sb strings.Builder
	for _, s := range scored {
		if !hasProfileTag(s.Entry.Metadata) {
			continue
		}
		sb.WriteString("- ")
		sb.WriteString(s.Entry.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

func hasProfileTag(metadata map[string]any) bool {
	tags, ok := metadata["tags"].([]any)
	if !ok {
		return false
	}
	for _, tag := range tags {
		if s, ok := tag.(string); ok && s == "profile" {
			return true
		}
	}
	return false
}

// retrieveMemories searches the memory store for context relevant to
// the current turn, skipped entirely when no store is wired.
func (e *Executor) retrieveMemories(ctx context.Context, content string) string {
	if e.memoryStore == nil || strings.TrimSpace(content) == "" {
		return ""
	}
	scored, err := e.memoryStore.Search(ctx, content, memory.SearchOptions{
		Mode:  memory.ModeAuto,
		Limit: 5,
	})
	if err != nil {
		log.Printf("[executor] memory retrieve warning: %v", err)
		return ""
	}
	var sb strings.Builder
	for _, s := range scored {
		sb.WriteString("- ")
		sb.WriteString(s.Entry.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (e *Executor) storeTurn(ctx context.Context, sessionKey string, role session.Role, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	_, err := e.memoryStore.Store(ctx, memory.Entry{
		SessionID: sessionKey,
		Type:      memory.TypeConversation,
		Content:   content,
		Metadata:  map[string]any{"role": string(role)},
	}, nil)
	if err != nil {
		log.Printf("[executor] store turn warning: %v", err)
	}
}

// run drives the bounded ReAct loop over an already-assembled message
// sequence, returning the final reply.
func (e *Executor) run(ctx context.Context, messages []llm.Message, media []string) (string, error) {
	for iteration := 1; iteration <= e.maxIterations; iteration++ {
		decision, err := e.router.Route(ctx, messages, media, iteration)
		if err != nil {
			return "", fmt.Errorf("route iteration %d: %w", iteration, err)
		}

		gen := llm.GenConfig{
			MaxTokens:        e.agents.MaxTokens,
			Temperature:      e.agents.Temperature,
			TopK:             e.agents.TopK,
			TopP:             e.agents.TopP,
			FrequencyPenalty: e.agents.FrequencyPenalty,
		}
		mergeCapability(&gen, decision.Capability)

		turnMessages := messages
		if !decision.Capability.Vision {
			turnMessages = stripMedia(messages)
		}

		resp, err := e.gateway.Chat(ctx, turnMessages, nil, decision.Model, gen)
		if err != nil {
			return "", fmt.Errorf("gateway call iteration %d: %w", iteration, err)
		}

		action, ok := parseReact(resp.Content)
		if !ok {
			return resp.Content, nil
		}

		if strings.EqualFold(toolkit.CanonicalAction(action.Action), "finish") {
			return stringifyActionInput(action.ActionInput), nil
		}

		tool, found := e.tools.Resolve(action.Action)
		messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content})
		if !found {
			messages = append(messages, llm.Message{Role: "user", Content: "Observation: " + toolkit.UnknownActionObservation(action.Action)})
			continue
		}

		result, err := tool.Execute(ctx, string(action.ActionInput))
		if err != nil {
			result = toolkit.ErrorObservation(tool.Name(), err)
		}
		messages = append(messages, llm.Message{Role: "user", Content: "Observation: " + result})
	}

	return "I wasn't able to finish within my reasoning budget for this turn.", nil
}

// reactAction is the parsed shape of a ReAct model reply (§4.2 step 5).
type reactAction struct {
	Thought     string          `json:"thought"`
	Action      string          `json:"action"`
	ActionInput json.RawMessage `json:"action_input"`
}

// parseReact extracts and decodes the first {...} block in content.
// ok is false when no valid ReAct object is found, in which case the
// caller returns the raw content as the final reply (§4.2 step 5).
func parseReact(content string) (*reactAction, bool) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end < start {
		return nil, false
	}
	var action reactAction
	if err := json.Unmarshal([]byte(content[start:end+1]), &action); err != nil {
		return nil, false
	}
	if action.Action == "" {
		return nil, false
	}
	return &action, true
}

func stringifyActionInput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	return string(raw)
}

// mergeCapability overlays a model capability's non-zero generation
// parameters over the global defaults already in gen (§4.2 step 2).
func mergeCapability(gen *llm.GenConfig, capability llm.Capability) {
	if capability.MaxTokens > 0 {
		gen.MaxTokens = capability.MaxTokens
	}
	if capability.Temperature > 0 {
		gen.Temperature = capability.Temperature
	}
	if capability.TopK > 0 {
		gen.TopK = capability.TopK
	}
	if capability.TopP > 0 {
		gen.TopP = capability.TopP
	}
	if capability.FrequencyPenalty > 0 {
		gen.FrequencyPenalty = capability.FrequencyPenalty
	}
}

// mediaParts folds media references into content parts for a
// vision-capable model (§4.2 step 1/3).
func mediaParts(media []string) []llm.ContentPart {
	if len(media) == 0 {
		return nil
	}
	parts := make([]llm.ContentPart, 0, len(media))
	for _, m := range media {
		parts = append(parts, llm.ContentPart{Type: "image", ImageURL: m})
	}
	return parts
}

// stripMedia replaces the last user message's media parts with a
// textual placeholder when the selected model is not vision-capable
// (§4.2 step 3).
func stripMedia(messages []llm.Message) []llm.Message {
	out := make([]llm.Message, len(messages))
	copy(out, messages)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role != "user" || len(out[i].Parts) == 0 {
			continue
		}
		m := out[i]
		m.Parts = nil
		if strings.TrimSpace(m.Content) == "" {
			m.Content = "[media omitted: current model has no vision capability]"
		}
		out[i] = m
		break
	}
	return out
}
