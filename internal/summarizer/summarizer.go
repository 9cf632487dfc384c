// Package summarizer implements the idle/size-triggered session
// rollup: once a session accumulates enough turns or goes idle long
// enough, its history is condensed by the LLM into a single memory
// entry and the live history is trimmed.
package summarizer

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/stellarlinkco/agentcore/internal/llm"
	"github.com/stellarlinkco/agentcore/internal/memory"
	"github.com/stellarlinkco/agentcore/internal/router"
	"github.com/stellarlinkco/agentcore/internal/session"
)

// Router is the subset of internal/router.Router the watcher needs to
// pick a model for the condensation call.
type Router interface {
	Route(ctx context.Context, messages []llm.Message, media []string, iteration int) (*router.Decision, error)
}

// Sessions is the subset of internal/session.Store the watcher reads
// and trims.
type Sessions interface {
	Sessions() []string
	History(key string) []session.Turn
	Count(key string) int
	LastActivity(key string) (time.Time, bool)
	Clear(key string)
}

// MemoryStore is the subset of internal/memory.Store the watcher
// writes summaries to.
type MemoryStore interface {
	Store(ctx context.Context, entry memory.Entry, vector []float32) (memory.Entry, error)
}

// Watcher is the Summarizer: a per-session idle/size sweep driven by
// its own ticker loop.
type Watcher struct {
	sessions    Sessions
	memoryStore MemoryStore
	gateway     *llm.Gateway
	router      Router
	chatModel   string

	minMessages int
	idleTimeout time.Duration
	maxLength   int
	sweepPeriod time.Duration

	stopCh chan struct{}
}

// New builds a Watcher. chatModel is used when router is nil or
// declines to pick a model (summarization always runs deterministically
// if auto-routing is disabled).
func New(sessions Sessions, memoryStore MemoryStore, gateway *llm.Gateway, router Router, chatModel string, minMessages int, idleTimeout time.Duration, maxLength int) *Watcher {
	if minMessages <= 0 {
		minMessages = 20
	}
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Minute
	}
	if maxLength <= 0 {
		maxLength = 2000
	}
	return &Watcher{
		sessions:    sessions,
		memoryStore: memoryStore,
		gateway:     gateway,
		router:      router,
		chatModel:   chatModel,
		minMessages: minMessages,
		idleTimeout: idleTimeout,
		maxLength:   maxLength,
		sweepPeriod: 30 * time.Second,
	}
}

// Run starts the sweep loop. It returns once ctx is cancelled or Stop
// is called.
func (w *Watcher) Run(ctx context.Context) {
	w.stopCh = make(chan struct{})
	ticker := time.NewTicker(w.sweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) Stop() {
	if w.stopCh != nil {
		select {
		case <-w.stopCh:
		default:
			close(w.stopCh)
		}
	}
}

func (w *Watcher) sweep(ctx context.Context) {
	for _, key := range w.sessions.Sessions() {
		if w.shouldSummarize(key) {
			if err := w.summarizeSession(ctx, key); err != nil {
				log.Printf("[summarizer] session %s: %v", key, err)
			}
		}
	}
}

func (w *Watcher) shouldSummarize(key string) bool {
	if w.sessions.Count(key) >= w.minMessages {
		return true
	}
	last, ok := w.sessions.LastActivity(key)
	if !ok {
		return false
	}
	return time.Since(last) >= w.idleTimeout && w.sessions.Count(key) > 0
}

func (w *Watcher) summarizeSession(ctx context.Context, key string) error {
	turns := w.sessions.History(key)
	if len(turns) == 0 {
		return nil
	}

	prompt := buildSummaryPrompt(turns, w.maxLength)
	model := w.chatModel
	if w.router != nil {
		if d, err := w.router.Route(ctx, []llm.Message{{Role: "user", Content: prompt}}, nil, 1); err == nil && d.Model != "" {
			model = d.Model
		}
	}
	if model == "" {
		return fmt.Errorf("no model configured for summarization")
	}

	resp, err := w.gateway.Chat(ctx, []llm.Message{
		{Role: "system", Content: "You condense conversation transcripts into a short factual summary. Respond with the summary text only, no preamble."},
		{Role: "user", Content: prompt},
	}, nil, model, llm.GenConfig{MaxTokens: 512, Temperature: 0.2})
	if err != nil {
		return fmt.Errorf("condense: %w", err)
	}

	summary := strings.TrimSpace(resp.Content)
	if runes := []rune(summary); len(runes) > w.maxLength {
		summary = string(runes[:w.maxLength])
	}
	if summary == "" {
		return fmt.Errorf("empty summary returned")
	}

	entry := memory.Entry{
		SessionID: key,
		Type:      memory.TypeSummary,
		Content:   summary,
		Metadata: map[string]any{
			"sourceTurns": len(turns),
		},
	}
	if _, err := w.memoryStore.Store(ctx, entry, nil); err != nil {
		return fmt.Errorf("store summary: %w", err)
	}

	w.sessions.Clear(key)
	return nil
}

func buildSummaryPrompt(turns []session.Turn, maxLength int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize the following conversation in no more than %d characters, preserving names, decisions, and open questions:\n\n", maxLength)
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	return b.String()
}
