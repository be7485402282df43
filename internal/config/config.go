// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port           string        `yaml:"port"`
	FrontendURL    string        `yaml:"frontend_url"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	DBPath         string        `yaml:"db_path"`
	AgentServerURL string        `yaml:"agent_server_url"`
	UserServerURL  string        `yaml:"user_server_url"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	// Dev disables the Secure flag on cookies. Defaults to IsDevelopment().
	Dev bool `yaml:"dev"`

	Upstream        UpstreamConfig        `yaml:"upstream"`
	Chat            ChatConfig            `yaml:"chat"`
	RateLimit       RateLimitConfig       `yaml:"rate_limit"`
	ConversationLog ConversationLogConfig `yaml:"conversation_log"`
}

// UpstreamConfig controls calls to the agent and user servers.
type UpstreamConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	DetailCacheTTL time.Duration `yaml:"detail_cache_ttl"`
}

// ChatConfig controls chat sessions.
type ChatConfig struct {
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	LoadTimeout     time.Duration `yaml:"load_timeout"`
	SaveTimeout     time.Duration `yaml:"save_timeout"`
	InputTimeout    time.Duration `yaml:"input_timeout"`
	ReadLimit       int64         `yaml:"read_limit"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
}

// RateLimitConfig controls per-user request throttling.
type RateLimitConfig struct {
	RequestsPerWindow int           `yaml:"requests_per_window"`
	WindowDuration    time.Duration `yaml:"window"`
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	GlobalEnabled bool   `yaml:"global_enabled"`
	GlobalPath    string `yaml:"global_path"`
	QueueSize     int    `yaml:"queue_size"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:           "8080",
		DBPath:         "./data/agenthub.db",
		AgentServerURL: "http://localhost:8000",
		UserServerURL:  "http://localhost:8001",
		SessionTTL:     6 * time.Hour,
		SweepInterval:  5 * time.Minute,
		Upstream: UpstreamConfig{
			Timeout:        15 * time.Second,
			DetailCacheTTL: time.Minute,
		},
		Chat: ChatConfig{
			DialTimeout:     10 * time.Second,
			LoadTimeout:     15 * time.Second,
			SaveTimeout:     15 * time.Second,
			InputTimeout:    10 * time.Second,
			ReadLimit:       1 << 20,
			MaxMessageBytes: 64 << 10,
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: 30,
			WindowDuration:    time.Minute,
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       true,
			Dir:           "./data/logs/conversations",
			GlobalEnabled: false,
			GlobalPath:    "./data/logs/conversations/all.ndjson",
			QueueSize:     1000,
		},
	}
}

// Load reads configuration from the optional YAML file named by CONFIG_FILE,
// then from environment variables, which take precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	devSet := cfg.Dev

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.FrontendURL = getEnv("FRONTEND_URL", cfg.FrontendURL)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.AgentServerURL = getEnv("AGENT_SERVER_URL", cfg.AgentServerURL)
	cfg.UserServerURL = getEnv("USER_SERVER_URL", cfg.UserServerURL)
	cfg.SessionTTL = getEnvDuration("SESSION_TTL", cfg.SessionTTL)
	cfg.SweepInterval = getEnvDuration("SESSION_SWEEP_INTERVAL", cfg.SweepInterval)
	if origins := getEnv("ALLOWED_ORIGINS", ""); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}

	cfg.Upstream.Timeout = getEnvDuration("UPSTREAM_TIMEOUT", cfg.Upstream.Timeout)
	cfg.Upstream.DetailCacheTTL = getEnvDuration("AGENT_DETAIL_CACHE_TTL", cfg.Upstream.DetailCacheTTL)

	cfg.Chat.DialTimeout = getEnvDuration("CHAT_DIAL_TIMEOUT", cfg.Chat.DialTimeout)
	cfg.Chat.LoadTimeout = getEnvDuration("CHAT_LOAD_TIMEOUT", cfg.Chat.LoadTimeout)
	cfg.Chat.SaveTimeout = getEnvDuration("CHAT_SAVE_TIMEOUT", cfg.Chat.SaveTimeout)
	cfg.Chat.InputTimeout = getEnvDuration("CHAT_INPUT_TIMEOUT", cfg.Chat.InputTimeout)
	cfg.Chat.ReadLimit = int64(getEnvInt("CHAT_READ_LIMIT", int(cfg.Chat.ReadLimit)))
	cfg.Chat.MaxMessageBytes = int64(getEnvInt("CHAT_MAX_MESSAGE_BYTES", int(cfg.Chat.MaxMessageBytes)))

	cfg.RateLimit.RequestsPerWindow = getEnvInt("RATE_LIMIT_REQUESTS", cfg.RateLimit.RequestsPerWindow)
	cfg.RateLimit.WindowDuration = getEnvDuration("RATE_LIMIT_WINDOW", cfg.RateLimit.WindowDuration)

	cfg.ConversationLog.Enabled = getEnvBool("CONVERSATION_LOG_ENABLED", cfg.ConversationLog.Enabled)
	cfg.ConversationLog.Dir = getEnv("CONVERSATION_LOG_DIR", cfg.ConversationLog.Dir)
	cfg.ConversationLog.GlobalEnabled = getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", cfg.ConversationLog.GlobalEnabled)
	cfg.ConversationLog.GlobalPath = getEnv("CONVERSATION_LOG_GLOBAL_PATH", cfg.ConversationLog.GlobalPath)
	cfg.ConversationLog.QueueSize = getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", cfg.ConversationLog.QueueSize)

	cfg.Dev = getEnvBool("DEV", devSet || cfg.IsDevelopment())
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = cfg.defaultOrigins()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) defaultOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if err := validateBaseURL("AGENT_SERVER_URL", c.AgentServerURL); err != nil {
		return err
	}
	if err := validateBaseURL("USER_SERVER_URL", c.UserServerURL); err != nil {
		return err
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be > 0")
	}
	if c.Chat.LoadTimeout <= 0 || c.Chat.SaveTimeout <= 0 || c.Chat.InputTimeout <= 0 || c.Chat.DialTimeout <= 0 {
		return fmt.Errorf("chat timeouts must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

func validateBaseURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL", name)
	}
	switch u.Scheme {
	case "http", "https":
		return nil
	default:
		return fmt.Errorf("%s must use http or https, got %q", name, u.Scheme)
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
