// Package config loads colloquy runtime configuration: defaults, then a
// TOML file, then COLLOQUY_ environment variables (env wins).
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Bot       BotConfig       `toml:"bot"`
	LLM       LLMConfig       `toml:"llm"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Store     StoreConfig     `toml:"store"`
	Knowledge KnowledgeConfig `toml:"knowledge"`
	Tools     ToolsConfig     `toml:"tools"`
	Observer  ObserverConfig  `toml:"observer"`
}

type BotConfig struct {
	Name       string `toml:"name"`
	Definition string `toml:"definition"` // path to the YAML bot file
}

type LLMConfig struct {
	Provider    string  `toml:"provider"`
	Model       string  `toml:"model"`
	BaseURL     string  `toml:"base_url"`
	APIKey      string  `toml:"api_key"`
	Temperature float64 `toml:"temperature"`
	MaxTokens   int     `toml:"max_tokens"`
	RPM         int     `toml:"rpm"`
	Retries     int     `toml:"retries"`
}

type EmbeddingConfig struct {
	Model      string `toml:"model"`
	BaseURL    string `toml:"base_url"`
	APIKey     string `toml:"api_key"`
	Dimensions int    `toml:"dimensions"`
}

type StoreConfig struct {
	// Backend selects the tracker store: "memory", "sqlite", "postgres".
	Backend     string `toml:"backend"`
	SQLitePath  string `toml:"sqlite_path"`
	PostgresDSN string `toml:"postgres_dsn"`
}

type KnowledgeConfig struct {
	TopK      int     `toml:"top_k"`
	Threshold float64 `toml:"threshold"`
	ChunkSize int     `toml:"chunk_size"`
	Overlap   int     `toml:"overlap"`
}

type ToolsConfig struct {
	// Script is a path to the tool script loaded into the subprocess
	// runner; empty disables script tools.
	Script  string   `toml:"script"`
	Timeout int      `toml:"timeout_seconds"`
	Allow   []string `toml:"allow"`
}

type ObserverConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Bot: BotConfig{Definition: "bot.yml"},
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			BaseURL:     "https://api.openai.com/v1",
			Temperature: 0.2,
			Retries:     3,
		},
		Embedding: EmbeddingConfig{Model: "text-embedding-3-small", Dimensions: 1536},
		Store:     StoreConfig{Backend: "memory", SQLitePath: "colloquy.db"},
		Knowledge: KnowledgeConfig{TopK: 3, ChunkSize: 1000, Overlap: 200},
		Tools:     ToolsConfig{Timeout: 10},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "colloquy.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("COLLOQUY_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("COLLOQUY_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("COLLOQUY_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("COLLOQUY_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("COLLOQUY_BOT_DEFINITION"); v != "" {
		cfg.Bot.Definition = v
	}
	if v := os.Getenv("COLLOQUY_POSTGRES_DSN"); v != "" {
		cfg.Store.Backend = "postgres"
		cfg.Store.PostgresDSN = v
	}
	if v := os.Getenv("COLLOQUY_OBSERVER_ENDPOINT"); v != "" {
		cfg.Observer.Endpoint = v
	}
	if v := os.Getenv("COLLOQUY_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.LLM.APIKey
	}
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = cfg.LLM.BaseURL
	}

	return cfg
}
