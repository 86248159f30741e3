package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Bot.Definition != "bot.yml" {
		t.Errorf("Definition = %q", cfg.Bot.Definition)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.Retries != 3 {
		t.Errorf("LLM = %+v", cfg.LLM)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("Backend = %q", cfg.Store.Backend)
	}
	if cfg.Knowledge.ChunkSize != 1000 || cfg.Knowledge.Overlap != 200 {
		t.Errorf("Knowledge = %+v", cfg.Knowledge)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "colloquy.toml")
	toml := `
[bot]
name = "shop"
definition = "shop.yml"

[llm]
model = "deepseek-chat"
base_url = "https://api.deepseek.com/v1"
rpm = 30

[store]
backend = "sqlite"
sqlite_path = "shop.db"
`
	if err := os.WriteFile(path, []byte(toml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Load(path)
	if cfg.Bot.Name != "shop" || cfg.Bot.Definition != "shop.yml" {
		t.Errorf("Bot = %+v", cfg.Bot)
	}
	if cfg.LLM.Model != "deepseek-chat" || cfg.LLM.RPM != 30 {
		t.Errorf("LLM = %+v", cfg.LLM)
	}
	// Values the file does not set keep their defaults.
	if cfg.LLM.Provider != "openai" {
		t.Errorf("Provider = %q, want the default", cfg.LLM.Provider)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.SQLitePath != "shop.db" {
		t.Errorf("Store = %+v", cfg.Store)
	}
}

func TestLoadEnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "colloquy.toml")
	toml := `
[llm]
model = "from-file"
api_key = "file-key"
`
	if err := os.WriteFile(path, []byte(toml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("COLLOQUY_LLM_MODEL", "from-env")
	t.Setenv("COLLOQUY_LLM_API_KEY", "env-key")
	t.Setenv("COLLOQUY_POSTGRES_DSN", "postgres://env")

	cfg := Load(path)
	if cfg.LLM.Model != "from-env" || cfg.LLM.APIKey != "env-key" {
		t.Errorf("LLM = %+v, env should win", cfg.LLM)
	}
	if cfg.Store.Backend != "postgres" || cfg.Store.PostgresDSN != "postgres://env" {
		t.Errorf("Store = %+v, DSN env should switch the backend", cfg.Store)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if cfg.Bot.Definition != "bot.yml" {
		t.Errorf("Definition = %q, want the default", cfg.Bot.Definition)
	}
}

func TestLoadEmbeddingFallsBackToLLM(t *testing.T) {
	t.Setenv("COLLOQUY_LLM_API_KEY", "shared-key")
	t.Setenv("COLLOQUY_LLM_BASE_URL", "https://llm.test/v1")

	cfg := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if cfg.Embedding.APIKey != "shared-key" {
		t.Errorf("Embedding.APIKey = %q, want the LLM key", cfg.Embedding.APIKey)
	}
	if cfg.Embedding.BaseURL != "https://llm.test/v1" {
		t.Errorf("Embedding.BaseURL = %q, want the LLM base", cfg.Embedding.BaseURL)
	}
}
