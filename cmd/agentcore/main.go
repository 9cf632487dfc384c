package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/agentcore/internal/bus"
	"github.com/stellarlinkco/agentcore/internal/config"
	"github.com/stellarlinkco/agentcore/internal/gateway"
	"github.com/stellarlinkco/agentcore/internal/memory"
)

// AgentOptions carries the IO an interactive agent session reads from
// and writes to, overridable in tests.
type AgentOptions struct {
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

var rootCmd = &cobra.Command{
	Use:   "agentcore",
	Short: "agentcore - personal AI assistant core runtime",
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the agent in single-message or REPL mode",
	RunE:  runAgent,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the full gateway (channels, migration engine, summarizer)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and workspace",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agentcore status",
	RunE:  runStatus,
}

var messageFlag string

func init() {
	agentCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	rootCmd.AddCommand(agentCmd, runCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runAgent is the command handler that uses default IO.
func runAgent(cmd *cobra.Command, args []string) error {
	return runAgentWithOptions(AgentOptions{})
}

// runAgentWithOptions drives the Agent Executor directly, without the
// Message Bus or any channel adapter — a single local session behind
// the "agent" subcommand.
func runAgentWithOptions(opts AgentOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !hasAnyProviderKey(cfg) {
		return fmt.Errorf("API key not set. Run 'agentcore onboard' or set AGENTCORE_API_KEY")
	}

	exec, closeFn, err := gateway.BuildExecutor(cfg)
	if err != nil {
		return fmt.Errorf("build executor: %w", err)
	}
	defer closeFn()

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	ctx := context.Background()

	if messageFlag != "" {
		reply, err := exec.Handle(ctx, bus.InboundMessage{Channel: "cli", SenderID: "cli", ChatID: "cli", Content: messageFlag})
		if err != nil {
			return fmt.Errorf("agent error: %w", err)
		}
		fmt.Fprintln(stdout, reply)
		return nil
	}

	fmt.Fprintln(stdout, "agentcore agent (type 'exit' to quit)")
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		reply, err := exec.Handle(ctx, bus.InboundMessage{Channel: "cli", SenderID: "cli", ChatID: "cli-repl", Content: input})
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			continue
		}
		fmt.Fprintln(stdout, reply)
	}
	return nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !hasAnyProviderKey(cfg) {
		return fmt.Errorf("API key not set. Run 'agentcore onboard' or set AGENTCORE_API_KEY")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, _ := config.LoadConfig()
	ws := cfg.Agents.Workspace
	if err := os.MkdirAll(filepath.Join(ws, "memory"), 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(ws, "skills"), 0755); err != nil {
		return fmt.Errorf("create skills dir: %w", err)
	}

	writeIfNotExists(filepath.Join(ws, "AGENTS.md"), defaultAgentsMD)
	writeIfNotExists(filepath.Join(ws, "SOUL.md"), defaultSoulMD)
	writeIfNotExists(filepath.Join(ws, "memory", "MEMORY.md"), "")

	fmt.Printf("Workspace ready: %s\n", ws)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to add a provider and API key\n", cfgPath)
	fmt.Println("  2. Or set AGENTCORE_API_KEY / AGENTCORE_CHAT_MODEL environment variables")
	fmt.Println("  3. Run 'agentcore agent -m \"Hello\"' to test")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Workspace: %s\n", cfg.Agents.Workspace)
	fmt.Printf("Chat model: %s\n", cfg.Agents.Models.Chat)
	fmt.Printf("Auto routing: %v\n", cfg.Agents.Auto)
	fmt.Printf("Providers: %s\n", providerDisplay(cfg.Providers))
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Printf("Memory: enabled=%v\n", cfg.Memory.Enabled)

	if _, err := os.Stat(cfg.Agents.Workspace); err != nil {
		fmt.Println("Workspace: not found (run 'agentcore onboard')")
		return nil
	}

	if cfg.Memory.Enabled {
		store, err := memory.NewStore(cfg.Memory.StoragePath, nil, cfg.Agents.Models.Embed)
		if err != nil {
			fmt.Printf("Memory: error opening store (%v)\n", err)
			return nil
		}
		defer store.Close()
		count, err := store.CountRows(context.Background())
		if err != nil {
			fmt.Printf("Memory: error counting entries (%v)\n", err)
			return nil
		}
		fmt.Printf("Memory entries: %d\n", count)
	}

	return nil
}

func providerDisplay(providers map[string]config.ProviderConfig) string {
	if len(providers) == 0 {
		return "none configured"
	}
	names := make([]string, 0, len(providers))
	for name, p := range providers {
		masked := "not set"
		if p.APIKey != "" {
			if len(p.APIKey) > 8 {
				masked = p.APIKey[:4] + "..." + p.APIKey[len(p.APIKey)-4:]
			} else {
				masked = "set"
			}
		}
		names = append(names, fmt.Sprintf("%s (key: %s)", name, masked))
	}
	return strings.Join(names, ", ")
}

// hasAnyProviderKey reports whether at least one registered provider
// carries an API key, the minimum needed for a chat request to reach
// a real model.
func hasAnyProviderKey(cfg *config.Config) bool {
	for _, p := range cfg.Providers {
		if p.APIKey != "" {
			return true
		}
	}
	return false
}

func writeIfNotExists(path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Printf("  Created: %s\n", path)
	}
}

const defaultAgentsMD = `# agentcore Agent

You are agentcore, a personal AI assistant.

You have access to tools for file operations, web search, and command execution.
Use them to help the user accomplish tasks.

## Guidelines
- Be concise and helpful
- Use tools proactively when needed
- Remember information the user tells you by writing to memory
- Check retrieved memories for previously stored information
`

const defaultSoulMD = `# Soul

You are a capable personal assistant that helps with daily tasks,
research, coding, and general questions.

Your personality:
- Direct and efficient
- Technical when needed, simple when possible
- Proactive about using tools to get real answers
`
