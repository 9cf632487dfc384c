// Package config loads the runtime's JSON configuration file and
// applies environment variable overrides. Configuration is read once
// at startup and frozen; reload is out of scope for the core.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultMaxTokens         = 8192
	DefaultTemperature       = 0.7
	DefaultTopP              = 1.0
	DefaultMaxToolIterations = 20
	DefaultBufSize           = 100

	DefaultBaseScore        = 10
	DefaultLengthWeight     = 1
	DefaultCodeBlockScore   = 15
	DefaultToolCallScore    = 20
	DefaultMultiTurnScore   = 3

	DefaultSearchLimit            = 10
	DefaultShortTermRetentionDays = 30
	DefaultIdleTimeoutMs          = 10 * 60 * 1000
	DefaultSummarizeThreshold     = 20
	DefaultSummaryMaxLength       = 2000
	DefaultMaxModels              = 3
	DefaultMigrationBatchSize     = 50
)

// Config is the full runtime configuration surface.
type Config struct {
	Agents    AgentsConfig              `json:"agents"`
	Providers map[string]ProviderConfig `json:"providers"`
	Routing   RoutingConfig             `json:"routing"`
	Memory    MemoryConfig              `json:"memory"`
	Channels  ChannelsConfig            `json:"channels"`
}

// AgentsConfig covers agents.* — workspace, per-role model keys and
// generation defaults, and the router enable/prefer-higher flags.
type AgentsConfig struct {
	Workspace         string            `json:"workspace"`
	Models            AgentModelsConfig `json:"models"`
	MaxTokens         int               `json:"maxTokens"`
	Temperature       float64           `json:"temperature"`
	TopK              int               `json:"topK,omitempty"`
	TopP              float64           `json:"topP,omitempty"`
	FrequencyPenalty  float64           `json:"frequencyPenalty,omitempty"`
	MaxToolIterations int               `json:"maxToolIterations"`
	Auto              bool              `json:"auto"`
	Max               bool              `json:"max"`
}

// AgentModelsConfig names the model key used for each role.
type AgentModelsConfig struct {
	Chat   string `json:"chat"`
	Intent string `json:"intent,omitempty"`
	Vision string `json:"vision,omitempty"`
	Embed  string `json:"embed,omitempty"`
	Coder  string `json:"coder,omitempty"`
}

// ProviderConfig describes one registered LLM Gateway provider:
// providers.<name> = {baseUrl, apiKey?, models, priority}.
type ProviderConfig struct {
	BaseURL  string            `json:"baseUrl"`
	APIKey   string            `json:"apiKey,omitempty"`
	Priority int               `json:"priority"`
	Models   []ModelEntryJSON  `json:"models"`
}

// ModelEntryJSON accepts either a bare model id string (defaults
// applied) or a full capability object.
type ModelEntryJSON struct {
	ID               string  `json:"id"`
	Level            string  `json:"level,omitempty"`
	Vision           bool    `json:"vision,omitempty"`
	Think            bool    `json:"think,omitempty"`
	Tool             bool    `json:"tool,omitempty"`
	MaxTokens        int     `json:"maxTokens,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	TopK             int     `json:"topK,omitempty"`
	TopP             float64 `json:"topP,omitempty"`
	FrequencyPenalty float64 `json:"frequencyPenalty,omitempty"`
}

// UnmarshalJSON accepts a bare string ("gpt-4o-mini") or an object.
func (m *ModelEntryJSON) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		*m = ModelEntryJSON{ID: asString, Level: "medium"}
		return nil
	}
	type alias ModelEntryJSON
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = ModelEntryJSON(a)
	return nil
}

// RoutingConfig covers routing.* — rule table plus complexity-score
// weights.
type RoutingConfig struct {
	Enabled         bool         `json:"enabled"`
	Rules           []RoutingRule `json:"rules"`
	BaseScore       int          `json:"baseScore"`
	LengthWeight    int          `json:"lengthWeight"`
	CodeBlockScore  int          `json:"codeBlockScore"`
	ToolCallScore   int          `json:"toolCallScore"`
	MultiTurnScore  int          `json:"multiTurnScore"`
}

// RoutingRule is one entry of routing.rules[].
type RoutingRule struct {
	Keywords  []string `json:"keywords"`
	MinLength int      `json:"minLength,omitempty"`
	MaxLength int      `json:"maxLength,omitempty"`
	Level     string   `json:"level"`
	Priority  int      `json:"priority"`
}

// MemoryConfig covers memory.*.
type MemoryConfig struct {
	Enabled                bool             `json:"enabled"`
	StoragePath            string           `json:"storagePath"`
	SearchLimit            int              `json:"searchLimit"`
	ShortTermRetentionDays int              `json:"shortTermRetentionDays"`
	AutoSummarize          bool             `json:"autoSummarize"`
	SummarizeThreshold     int              `json:"summarizeThreshold"`
	SummaryMaxLength       int              `json:"summaryMaxLength"`
	IdleTimeoutMs          int64            `json:"idleTimeout"`
	MultiEmbed             MultiEmbedConfig `json:"multiEmbed"`
}

// MultiEmbedConfig covers memory.multiEmbed.*.
type MultiEmbedConfig struct {
	Enabled         bool  `json:"enabled"`
	MaxModels       int   `json:"maxModels"`
	AutoMigrate     bool  `json:"autoMigrate"`
	BatchSize       int   `json:"batchSize"`
	MigrateInterval int64 `json:"migrateInterval"` // 0 => adaptive
}

// ChannelsConfig covers channels.* — only the Telegram adapter is a
// first-class, fully wired component here; other channel names are
// accepted and parsed but treated as external collaborators.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig is channels.telegram.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

// DefaultConfig returns the zero-value-filled configuration a fresh
// install starts from.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Agents: AgentsConfig{
			Workspace:         filepath.Join(home, ".agentcore", "workspace"),
			MaxTokens:         DefaultMaxTokens,
			Temperature:       DefaultTemperature,
			TopP:              DefaultTopP,
			MaxToolIterations: DefaultMaxToolIterations,
			Auto:              true,
		},
		Providers: map[string]ProviderConfig{},
		Routing: RoutingConfig{
			Enabled:        true,
			BaseScore:      DefaultBaseScore,
			LengthWeight:   DefaultLengthWeight,
			CodeBlockScore: DefaultCodeBlockScore,
			ToolCallScore:  DefaultToolCallScore,
			MultiTurnScore: DefaultMultiTurnScore,
		},
		Memory: MemoryConfig{
			Enabled:                false,
			StoragePath:             filepath.Join(home, ".agentcore", "memory"),
			SearchLimit:             DefaultSearchLimit,
			ShortTermRetentionDays:  DefaultShortTermRetentionDays,
			AutoSummarize:           true,
			SummarizeThreshold:      DefaultSummarizeThreshold,
			SummaryMaxLength:        DefaultSummaryMaxLength,
			IdleTimeoutMs:           DefaultIdleTimeoutMs,
			MultiEmbed: MultiEmbedConfig{
				MaxModels: DefaultMaxModels,
				BatchSize: DefaultMigrationBatchSize,
			},
		},
	}
}

// ConfigDir returns the directory holding config.json.
func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".agentcore")
}

// ConfigPath returns the full path to config.json.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// LoadConfig reads config.json if present, applies defaults for any
// missing field, then applies environment variable overrides.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if ws := os.Getenv("AGENTCORE_WORKSPACE"); ws != "" {
		cfg.Agents.Workspace = ws
	}
	if model := os.Getenv("AGENTCORE_CHAT_MODEL"); model != "" {
		cfg.Agents.Models.Chat = model
	}
	if key := os.Getenv("AGENTCORE_API_KEY"); key != "" {
		applyDefaultProviderKey(cfg, key)
	}
	if url := os.Getenv("AGENTCORE_BASE_URL"); url != "" {
		applyDefaultProviderBaseURL(cfg, url)
	}
	if token := os.Getenv("AGENTCORE_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if enabled := os.Getenv("AGENTCORE_MEMORY_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Memory.Enabled = parsed
		}
	}
	if path := os.Getenv("AGENTCORE_MEMORY_PATH"); path != "" {
		cfg.Memory.StoragePath = path
	}
	if auto := os.Getenv("AGENTCORE_AUTO_ROUTE"); auto != "" {
		if parsed, err := strconv.ParseBool(auto); err == nil {
			cfg.Agents.Auto = parsed
		}
	}

	if cfg.Agents.Workspace == "" {
		cfg.Agents.Workspace = DefaultConfig().Agents.Workspace
	}
	if cfg.Memory.StoragePath == "" {
		cfg.Memory.StoragePath = DefaultConfig().Memory.StoragePath
	}
	if cfg.Memory.SearchLimit <= 0 {
		cfg.Memory.SearchLimit = DefaultSearchLimit
	}
	if cfg.Memory.SummaryMaxLength <= 0 {
		cfg.Memory.SummaryMaxLength = DefaultSummaryMaxLength
	}
	if cfg.Memory.MultiEmbed.MaxModels <= 0 {
		cfg.Memory.MultiEmbed.MaxModels = DefaultMaxModels
	}
	if cfg.Memory.MultiEmbed.BatchSize <= 0 {
		cfg.Memory.MultiEmbed.BatchSize = DefaultMigrationBatchSize
	}

	return cfg, nil
}

// applyDefaultProviderKey sets the API key on the provider the chat
// model resolves to, creating the entry if necessary.
func applyDefaultProviderKey(cfg *Config, key string) {
	name, _ := splitModelKey(cfg.Agents.Models.Chat)
	if name == "" {
		return
	}
	p := cfg.Providers[name]
	p.APIKey = key
	cfg.Providers[name] = p
}

func applyDefaultProviderBaseURL(cfg *Config, url string) {
	name, _ := splitModelKey(cfg.Agents.Models.Chat)
	if name == "" {
		return
	}
	p := cfg.Providers[name]
	p.BaseURL = url
	cfg.Providers[name] = p
}

func splitModelKey(key string) (provider, id string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return "", key
}

// SaveConfig writes cfg to config.json, creating the config directory
// if necessary.
func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
