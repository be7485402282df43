package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("FRONTEND_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.SessionTTL != 6*time.Hour {
		t.Errorf("Expected 6h session TTL, got %v", cfg.SessionTTL)
	}
	if !cfg.Dev {
		t.Error("Expected dev mode without a frontend URL")
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Errorf("Expected wildcard origin, got %v", cfg.AllowedOrigins)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PORT", "9090")
	t.Setenv("FRONTEND_URL", "https://agents.example.com/")
	t.Setenv("AGENT_SERVER_URL", "https://agents-api.example.com")
	t.Setenv("CHAT_SAVE_TIMEOUT", "3s")
	t.Setenv("RATE_LIMIT_REQUESTS", "5")
	t.Setenv("CONVERSATION_LOG_ENABLED", "off")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("Expected port 9090, got %s", cfg.Port)
	}
	if cfg.Dev {
		t.Error("Expected production mode for a public frontend URL")
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://agents.example.com" {
		t.Errorf("Expected frontend origin, got %v", cfg.AllowedOrigins)
	}
	if cfg.Chat.SaveTimeout != 3*time.Second {
		t.Errorf("Expected 3s save timeout, got %v", cfg.Chat.SaveTimeout)
	}
	if cfg.RateLimit.RequestsPerWindow != 5 {
		t.Errorf("Expected 5 requests, got %d", cfg.RateLimit.RequestsPerWindow)
	}
	if cfg.ConversationLog.Enabled {
		t.Error("Expected conversation log to be disabled")
	}
}

func TestLoad_YAMLFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agenthub.yaml")
	data := `
port: "7000"
user_server_url: https://users.example.com
allowed_origins: [https://a.example.com, https://b.example.com]
chat:
  load_timeout: 2s
rate_limit:
  window: 30s
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7001")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "7001" {
		t.Errorf("Expected env to win with 7001, got %s", cfg.Port)
	}
	if cfg.UserServerURL != "https://users.example.com" {
		t.Errorf("Expected user server from file, got %s", cfg.UserServerURL)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("Expected 2 origins from file, got %v", cfg.AllowedOrigins)
	}
	if cfg.Chat.LoadTimeout != 2*time.Second {
		t.Errorf("Expected 2s load timeout, got %v", cfg.Chat.LoadTimeout)
	}
	if cfg.Chat.SaveTimeout != 15*time.Second {
		t.Errorf("Expected default save timeout to survive, got %v", cfg.Chat.SaveTimeout)
	}
	if cfg.RateLimit.WindowDuration != 30*time.Second {
		t.Errorf("Expected 30s window, got %v", cfg.RateLimit.WindowDuration)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty port", func(c *Config) { c.Port = "" }, "PORT"},
		{"relative agent url", func(c *Config) { c.AgentServerURL = "/agents" }, "AGENT_SERVER_URL"},
		{"ws user url", func(c *Config) { c.UserServerURL = "ws://users" }, "USER_SERVER_URL"},
		{"zero ttl", func(c *Config) { c.SessionTTL = 0 }, "SESSION_TTL"},
		{"zero queue", func(c *Config) { c.ConversationLog.QueueSize = 0 }, "QUEUE_SIZE"},
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("Expected defaults to validate, got %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}
