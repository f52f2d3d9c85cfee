package config

import (
	"os"

	"github.com/BurntSushi/toml"

	switchboard "github.com/Dethon/switchboard"
)

type Config struct {
	Telegram  TelegramConfig              `toml:"telegram"`
	Hub       HubConfig                   `toml:"hub"`
	Term      TermConfig                  `toml:"term"`
	LLM       LLMConfig                   `toml:"llm"`
	Embedding EmbeddingConfig             `toml:"embedding"`
	Database  DatabaseConfig              `toml:"database"`
	Scheduler SchedulerConfig             `toml:"scheduler"`
	Agents    []switchboard.AgentIdentity `toml:"agents"`
	MCP       []MCPServerConfig           `toml:"mcp_servers"`
	Observer  ObserverConfig              `toml:"observer"`
}

type TelegramConfig struct {
	Token         string `toml:"token"`
	Agent         string `toml:"agent"`
	AllowedUserID string `toml:"allowed_user_id"`
}

type HubConfig struct {
	Addr         string `toml:"addr"`
	Agent        string `toml:"agent"`
	HistoryLimit int    `toml:"history_limit"`
}

type TermConfig struct {
	Enabled bool   `toml:"enabled"`
	Agent   string `toml:"agent"`
	User    string `toml:"user"`
}

type LLMConfig struct {
	Name    string `toml:"name"`
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
}

type EmbeddingConfig struct {
	Model      string `toml:"model"`
	APIKey     string `toml:"api_key"`
	BaseURL    string `toml:"base_url"`
	Dimensions int    `toml:"dimensions"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `toml:"driver"`
	// Path is the sqlite database file.
	Path string `toml:"path"`
	// URL is the postgres connection string.
	URL string `toml:"url"`
}

type SchedulerConfig struct {
	IntervalSeconds int `toml:"interval_seconds"`
	TimezoneOffset  int `toml:"timezone_offset"`
	// Notify names the surface scheduled output is delivered on
	// ("telegram", "hub", or empty for silent runs).
	Notify string `toml:"notify"`
}

type MCPServerConfig struct {
	Name      string            `toml:"name"`
	Transport string            `toml:"transport"`
	Command   string            `toml:"command"`
	URL       string            `toml:"url"`
	Env       map[string]string `toml:"env"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Hub:       HubConfig{Addr: ":8765", HistoryLimit: 50},
		LLM:       LLMConfig{Name: "openai", Model: "gpt-4.1-mini", BaseURL: "https://api.openai.com/v1"},
		Embedding: EmbeddingConfig{Model: "text-embedding-3-small", Dimensions: 1536},
		Database:  DatabaseConfig{Driver: "sqlite", Path: "switchboard.db"},
		Scheduler: SchedulerConfig{IntervalSeconds: 60},
		Agents: []switchboard.AgentIdentity{{
			ID:        "assistant",
			Prompt:    "You are a helpful assistant.",
			Whitelist: []string{"fetch", "remember", "schedule_*"},
		}},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "switchboard.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("SWBD_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("SWBD_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("SWBD_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("SWBD_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("SWBD_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
		cfg.Database.Driver = "postgres"
	}
	if v := os.Getenv("SWBD_HUB_ADDR"); v != "" {
		cfg.Hub.Addr = v
	}
	if v := os.Getenv("SWBD_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.LLM.APIKey
	}
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = cfg.LLM.BaseURL
	}
	if cfg.Telegram.Agent == "" && len(cfg.Agents) > 0 {
		cfg.Telegram.Agent = cfg.Agents[0].ID
	}
	if cfg.Hub.Agent == "" && len(cfg.Agents) > 0 {
		cfg.Hub.Agent = cfg.Agents[0].ID
	}
	if cfg.Term.Agent == "" && len(cfg.Agents) > 0 {
		cfg.Term.Agent = cfg.Agents[0].ID
	}

	return cfg
}

// Agent returns the identity configured under id, or false.
func (c Config) Agent(id string) (switchboard.AgentIdentity, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return switchboard.AgentIdentity{}, false
}

// MCPServers resolves the named servers into switchboard MCP configs,
// skipping names with no matching [[mcp_servers]] block.
func (c Config) MCPServers(names []string) []MCPServerConfig {
	var out []MCPServerConfig
	for _, name := range names {
		for _, s := range c.MCP {
			if s.Name == name {
				out = append(out, s)
			}
		}
	}
	return out
}
