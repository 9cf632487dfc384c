// Package gateway is the top-level composition root: it wires the
// Message Bus, Agent Executor, Model Router, LLM Gateway, Memory
// Store, Migration Engine, Summarizer and channel adapters into one
// running process.
package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/stellarlinkco/agentcore/internal/bus"
	"github.com/stellarlinkco/agentcore/internal/channel"
	"github.com/stellarlinkco/agentcore/internal/config"
	"github.com/stellarlinkco/agentcore/internal/executor"
	"github.com/stellarlinkco/agentcore/internal/llm"
	"github.com/stellarlinkco/agentcore/internal/memory"
	"github.com/stellarlinkco/agentcore/internal/migration"
	"github.com/stellarlinkco/agentcore/internal/router"
	"github.com/stellarlinkco/agentcore/internal/session"
	"github.com/stellarlinkco/agentcore/internal/summarizer"
	"github.com/stellarlinkco/agentcore/internal/toolkit"
)

// Options configures a Gateway beyond what Config carries — currently
// only the signal channel, overridden in tests so Run can be stopped
// without a real process signal.
type Options struct {
	SignalChan chan os.Signal
}

// Gateway composes every core-runtime component into one process.
type Gateway struct {
	cfg *config.Config

	bus        *bus.MessageBus
	llmGateway *llm.Gateway
	memStore   *memory.Store
	sessions   *session.Store
	router     *router.Router
	executor   *executor.Executor
	migration  *migration.Engine
	summarizer *summarizer.Watcher
	channels   *channel.ChannelManager

	signalChan chan os.Signal
}

// New creates a Gateway with default options.
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with an overridable signal channel,
// for tests that need to drive Run's shutdown path directly.
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{cfg: cfg, signalChan: opts.SignalChan}
	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	if err := g.buildCore(cfg); err != nil {
		return nil, err
	}

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus)
	if err != nil {
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	return g, nil
}

// buildCore wires the llm gateway, memory store, router, migration
// engine, summarizer and executor shared by the full Gateway and by
// BuildExecutor's standalone, channel-less CLI path.
func (g *Gateway) buildCore(cfg *config.Config) error {
	g.sessions = session.NewStore()

	g.llmGateway = llm.NewGateway()
	registerProviders(g.llmGateway, cfg.Providers)

	if cfg.Memory.Enabled {
		storagePath := strings.TrimSpace(cfg.Memory.StoragePath)
		if storagePath == "" {
			storagePath = filepath.Join(config.ConfigDir(), "memory")
		}
		store, err := memory.NewStore(storagePath, g.llmGateway, cfg.Agents.Models.Embed)
		if err != nil {
			return fmt.Errorf("create memory store: %w", err)
		}
		g.memStore = store
		g.memStore.SetMaxModelsHint(cfg.Memory.MultiEmbed.MaxModels)

		g.migration = migration.NewEngine(storagePath, g.memStore, g.llmGateway, migration.Options{
			BatchSize:     cfg.Memory.MultiEmbed.BatchSize,
			FixedInterval: time.Duration(cfg.Memory.MultiEmbed.MigrateInterval) * time.Millisecond,
		})

		g.router = router.New(g.llmGateway, cfg.Agents, cfg.Routing)

		idleTimeout := time.Duration(cfg.Memory.IdleTimeoutMs) * time.Millisecond
		g.summarizer = summarizer.New(g.sessions, g.memStore, g.llmGateway, g.router, cfg.Agents.Models.Chat,
			cfg.Memory.SummarizeThreshold, idleTimeout, cfg.Memory.SummaryMaxLength)
	} else {
		g.router = router.New(g.llmGateway, cfg.Agents, cfg.Routing)
	}

	always, catalog, err := loadSkillCatalog(cfg.Agents.Workspace)
	if err != nil {
		log.Printf("[gateway] skills load warning: %v", err)
	}

	execOpts := executor.Options{
		SystemPrompt:  g.buildSystemPrompt(),
		AlwaysSkills:  always,
		SkillCatalog:  catalog,
		MaxIterations: cfg.Agents.MaxToolIterations,
		ChatModel:     cfg.Agents.Models.Chat,
	}
	var memoryStore executor.MemoryStore
	if g.memStore != nil {
		memoryStore = g.memStore
	}
	g.executor = executor.New(g.router, g.llmGateway, g.sessions, memoryStore, toolkit.NewRegistry(), cfg.Agents, execOpts)

	return nil
}

// BuildExecutor wires just the Agent Executor and its dependencies
// (LLM Gateway, Memory Store, Model Router, Migration Engine) without
// the Message Bus, channel adapters or background loops. It is the
// seam cmd/agentcore's one-shot "agent" subcommand drives directly,
// and it returns a close func that releases the memory store, if any.
func BuildExecutor(cfg *config.Config) (*executor.Executor, func() error, error) {
	g := &Gateway{cfg: cfg}
	if err := g.buildCore(cfg); err != nil {
		return nil, nil, err
	}
	closeFn := func() error {
		if g.memStore != nil {
			return g.memStore.Close()
		}
		return nil
	}
	return g.executor, closeFn, nil
}

// registerProviders builds an OpenAI-compatible transport per
// configured provider and registers its capability-tagged model list
// with the gateway, one registration per provider name.
func registerProviders(gw *llm.Gateway, providers map[string]config.ProviderConfig) {
	for name, pc := range providers {
		caps := make([]llm.Capability, 0, len(pc.Models))
		patterns := make([]string, 0, len(pc.Models))
		for _, m := range pc.Models {
			caps = append(caps, llm.Capability{
				ID:               m.ID,
				Provider:         name,
				Level:            llm.ParseLevel(m.Level),
				Vision:           m.Vision,
				Think:            m.Think,
				Tool:             m.Tool,
				MaxTokens:        m.MaxTokens,
				Temperature:      m.Temperature,
				TopK:             m.TopK,
				TopP:             m.TopP,
				FrequencyPenalty: m.FrequencyPenalty,
			})
			patterns = append(patterns, m.ID)
		}
		provider := llm.NewOpenAIProvider(name, pc.BaseURL, pc.APIKey, caps)
		gw.Register(name, provider, pc.Priority, patterns)
	}
}

// loadSkillCatalog loads SKILL.md files from <workspace>/skills, an
// external collaborator; a missing directory yields two empty slices,
// not an error.
func loadSkillCatalog(workspace string) (always, catalog []string, err error) {
	skillDir := filepath.Join(workspace, "skills")
	skills, err := toolkit.LoadSkills(skillDir)
	if err != nil {
		return nil, nil, err
	}
	always, catalog = toolkit.SplitSkills(skills)
	return always, catalog, nil
}

// buildSystemPrompt assembles the base identity prompt from
// <workspace>/AGENTS.md and <workspace>/SOUL.md, a file-based persona
// convention. Core-profile memory is injected by the executor itself,
// not here (see internal/executor.loadCoreProfile).
func (g *Gateway) buildSystemPrompt() string {
	var sb strings.Builder
	if data, err := os.ReadFile(filepath.Join(g.cfg.Agents.Workspace, "AGENTS.md")); err == nil {
		sb.Write(data)
		sb.WriteString("\n\n")
	}
	if data, err := os.ReadFile(filepath.Join(g.cfg.Agents.Workspace, "SOUL.md")); err == nil {
		sb.Write(data)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// Run starts every background component, blocks until a shutdown
// signal arrives, then shuts down cleanly.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if g.migration != nil {
		go func() {
			if err := g.migration.Run(ctx, g.cfg.Agents.Models.Embed); err != nil {
				log.Printf("[gateway] migration engine error: %v", err)
			}
		}()
	}
	if g.summarizer != nil {
		go g.summarizer.Run(ctx)
	}

	go g.processLoop(ctx)

	log.Printf("[gateway] running")

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

// processLoop dequeues inbound messages, hands each to the executor,
// and publishes the reply back onto the bus for delivery.
func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))

			reply, err := g.executor.Handle(ctx, msg)
			if err != nil {
				log.Printf("[gateway] executor error: %v", err)
				continue
			}
			if reply == "" {
				continue
			}
			g.bus.PublishOutbound(bus.OutboundMessage{
				Channel: msg.Channel,
				ChatID:  msg.ChatID,
				Content: reply,
			})
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops every background component and releases the memory
// store's database handle.
func (g *Gateway) Shutdown() error {
	if g.migration != nil {
		g.migration.Stop()
	}
	if g.summarizer != nil {
		g.summarizer.Stop()
	}
	if err := g.channels.StopAll(); err != nil {
		log.Printf("[gateway] stop channels warning: %v", err)
	}
	if g.memStore != nil {
		if err := g.memStore.Close(); err != nil {
			log.Printf("[gateway] close memory store warning: %v", err)
		}
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
