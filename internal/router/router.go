// Package router implements the Model Router: it fingerprints each
// turn (complexity, modality, tool need) and picks a concrete model
// from the LLM Gateway's capability-tagged pool, with an optional
// LLM-based intent pre-pass and graceful degradation when the
// preferred tier is absent.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"

	"github.com/stellarlinkco/agentcore/internal/config"
	"github.com/stellarlinkco/agentcore/internal/llm"
)

// Decision is the router's output for one ReAct iteration.
type Decision struct {
	Model      string // fully-qualified "<provider>/<id>" key
	Capability llm.Capability
	Complexity int
	Reason     string
}

// Router selects models for the executor's ReAct loop.
type Router struct {
	gateway *llm.Gateway
	agents  config.AgentsConfig
	routing config.RoutingConfig
}

// New builds a Router over the given gateway and configuration
// sections.
func New(gateway *llm.Gateway, agents config.AgentsConfig, routing config.RoutingConfig) *Router {
	return &Router{gateway: gateway, agents: agents, routing: routing}
}

// Route picks a model for one ReAct iteration. messages is the
// assembled turn sequence; media is the current turn's resolved media
// list; iteration is the 1-based loop counter.
func (r *Router) Route(ctx context.Context, messages []llm.Message, media []string, iteration int) (*Decision, error) {
	if !r.agents.Auto {
		return &Decision{Model: r.agents.Models.Chat, Reason: "auto routing disabled"}, nil
	}

	pool := r.gateway.Pool()
	if len(pool) == 0 {
		return &Decision{Model: r.agents.Models.Chat, Reason: "no models registered, using configured chat model"}, nil
	}

	if iteration == 1 && r.agents.Models.Intent != "" {
		if d, ok := r.intentPrePass(ctx, messages, media, pool); ok {
			return d, nil
		}
	}

	return r.routeDeterministic(messages, media, pool), nil
}

// intentPrePass asks the configured intent model to pick a concrete
// model from the catalogue. Returns ok=false whenever the reply is
// unusable and the caller should fall back to deterministic routing.
func (r *Router) intentPrePass(ctx context.Context, messages []llm.Message, media []string, pool []llm.Capability) (*Decision, bool) {
	catalogue := pool
	if len(media) > 0 {
		catalogue = filterVision(pool)
	}
	if len(catalogue) == 0 {
		return nil, false
	}

	prompt := buildIntentPrompt(messages, catalogue)
	resp, err := r.gateway.Chat(ctx, []llm.Message{{Role: "user", Content: prompt}}, nil, r.agents.Models.Intent, llm.GenConfig{MaxTokens: 200, Temperature: 0.1})
	if err != nil {
		log.Printf("[router] intent pre-pass failed: %v", err)
		return nil, false
	}

	model, reason, ok := parseIntentReply(resp.Content)
	if !ok {
		return nil, false
	}

	cap, found := findInCatalogue(catalogue, model)
	if !found {
		return nil, false
	}
	if len(media) > 0 && !cap.Vision {
		return nil, false
	}

	return &Decision{Model: cap.Key(), Capability: cap, Reason: reason}, true
}

var jsonBlockRe = regexp.MustCompile(`\{[\s\S]*?\}`)

func parseIntentReply(content string) (model, reason string, ok bool) {
	match := jsonBlockRe.FindString(content)
	if match == "" {
		return "", "", false
	}
	var decoded struct {
		Model  string `json:"model"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(match), &decoded); err != nil {
		return "", "", false
	}
	if decoded.Model == "" {
		return "", "", false
	}
	return decoded.Model, decoded.Reason, true
}

func buildIntentPrompt(messages []llm.Message, catalogue []llm.Capability) string {
	var sb strings.Builder
	sb.WriteString("Given the conversation, pick the best model from this catalogue. Reply with strict JSON {\"model\":\"<provider>/<id>\",\"reason\":\"...\"}.\n\nCatalogue:\n")
	for _, c := range catalogue {
		fmt.Fprintf(&sb, "- %s (level=%s, vision=%v, tool=%v)\n", c.Key(), c.Level, c.Vision, c.Tool)
	}
	sb.WriteString("\nConversation:\n")
	for _, m := range messages {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	return sb.String()
}

func findInCatalogue(catalogue []llm.Capability, key string) (llm.Capability, bool) {
	for _, c := range catalogue {
		if c.Key() == key {
			return c, true
		}
	}
	return llm.Capability{}, false
}

func filterVision(pool []llm.Capability) []llm.Capability {
	var out []llm.Capability
	for _, c := range pool {
		if c.Vision {
			out = append(out, c)
		}
	}
	return out
}

// routeDeterministic implements §4.3's auto-mode, non-intent path:
// vision override, max mode, rule match, complexity score, tool-need
// gating, then level selection with nearest-level fallback.
func (r *Router) routeDeterministic(messages []llm.Message, media []string, pool []llm.Capability) *Decision {
	content := lastUserContent(messages)
	max := r.agents.Max

	if len(media) > 0 {
		visionPool := filterVision(pool)
		if len(visionPool) > 0 {
			targetLevel := r.complexityLevel(content, len(messages))
			cap := selectNearest(visionPool, targetLevel, max)
			return &Decision{Model: cap.Key(), Capability: cap, Reason: "图片消息 image present, vision override"}
		}
	}

	needsTool := toolNeedHeuristic(content)
	candidates := pool
	if needsTool {
		candidates = filterTool(pool)
		if len(candidates) == 0 {
			candidates = pool
		}
	}

	if max {
		cap := selectNearest(candidates, llm.LevelUltra, true)
		return &Decision{Model: cap.Key(), Capability: cap, Reason: "max mode targets ultra"}
	}

	if r.routing.Enabled {
		if level, reason, ok := r.matchRule(content); ok {
			cap := selectNearest(candidates, level, max)
			return &Decision{Model: cap.Key(), Capability: cap, Complexity: -1, Reason: reason}
		}
	}

	score := r.complexityScore(content, len(messages))
	level := complexityToLevel(score)
	cap := selectNearest(candidates, level, max)
	return &Decision{Model: cap.Key(), Capability: cap, Complexity: score, Reason: fmt.Sprintf("complexity score %d -> level %s", score, level)}
}

func (r *Router) complexityLevel(content string, numTurns int) llm.Level {
	return complexityToLevel(r.complexityScore(content, numTurns))
}

func (r *Router) matchRule(content string) (llm.Level, string, bool) {
	rules := make([]config.RoutingRule, len(r.routing.Rules))
	copy(rules, r.routing.Rules)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	lower := strings.ToLower(content)
	length := len(content)
	for _, rule := range rules {
		if rule.MinLength > 0 && length < rule.MinLength {
			continue
		}
		if rule.MaxLength > 0 && length > rule.MaxLength {
			continue
		}
		if !keywordsMatch(lower, rule.Keywords) {
			continue
		}
		return llm.ParseLevel(rule.Level), fmt.Sprintf("rule match: %v", rule.Keywords), true
	}
	return 0, "", false
}

func keywordsMatch(lowerContent string, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	for _, kw := range keywords {
		if strings.Contains(lowerContent, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// complexityScore implements §4.3 step 4.
func (r *Router) complexityScore(content string, numTurns int) int {
	base := r.routing.BaseScore
	if base == 0 {
		base = config.DefaultBaseScore
	}
	lengthWeight := r.routing.LengthWeight
	if lengthWeight == 0 {
		lengthWeight = config.DefaultLengthWeight
	}
	codeBlockScore := r.routing.CodeBlockScore
	if codeBlockScore == 0 {
		codeBlockScore = config.DefaultCodeBlockScore
	}
	toolCallScore := r.routing.ToolCallScore
	if toolCallScore == 0 {
		toolCallScore = config.DefaultToolCallScore
	}
	multiTurnScore := r.routing.MultiTurnScore
	if multiTurnScore == 0 {
		multiTurnScore = config.DefaultMultiTurnScore
	}

	score := base
	score += min(20, (len(content)/100)*lengthWeight)
	if strings.Contains(content, "`") {
		score += codeBlockScore
	}
	if toolNeedHeuristic(content) {
		score += toolCallScore
	}
	score += min(10, numTurns*multiTurnScore)

	return clamp(score, 0, 100)
}

// complexityToLevel maps a [0,100] score to a level band via
// non-overlapping bands: fast=[0,20) low=[20,40) medium=[40,60)
// high=[60,80) ultra=[80,100].
func complexityToLevel(score int) llm.Level {
	switch {
	case score < 20:
		return llm.LevelFast
	case score < 40:
		return llm.LevelLow
	case score < 60:
		return llm.LevelMedium
	case score < 80:
		return llm.LevelHigh
	default:
		return llm.LevelUltra
	}
}

var toolKeywords = []string{
	"run", "execute", "exec", "shell", "command", "file", "read", "write", "list", "fetch", "download",
	"执行", "运行", "命令", "文件", "读取", "写入", "列出", "下载", "抓取",
}

func toolNeedHeuristic(content string) bool {
	lower := strings.ToLower(content)
	for _, kw := range toolKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func filterTool(pool []llm.Capability) []llm.Capability {
	var out []llm.Capability
	for _, c := range pool {
		if c.Tool {
			out = append(out, c)
		}
	}
	return out
}

func lastUserContent(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
