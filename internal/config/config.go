// Package config loads the backend configuration: defaults, then an optional
// YAML file, then FREVAGPT_* environment variables. Environment wins.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/freva-org/frevagpt/internal/observability"
	"github.com/freva-org/frevagpt/internal/toolrpc"
)

// Config is the full backend configuration.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// LiteLLMAddress is the base URL of the OpenAI-compatible proxy.
	LiteLLMAddress string `yaml:"lite_llm_address"`
	LLMToken       string `yaml:"llm_token"`
	DefaultModel   string `yaml:"default_model"`
	SystemPrompt   string `yaml:"system_prompt"`

	ToolServers       []toolrpc.ServerConfig `yaml:"tool_servers"`
	MCPRequestTimeout time.Duration          `yaml:"mcp_request_timeout"`

	// DatabaseURL selects the Postgres backend; SQLitePath the local-file
	// one. Dev mode (or neither set) keeps conversations in memory.
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`

	Dev bool `yaml:"dev"`

	MaxIdle         time.Duration `yaml:"max_idle"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	Log observability.LogConfig `yaml:"log"`
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Host:              "0.0.0.0",
		Port:              8502,
		DefaultModel:      "gpt-4o",
		MCPRequestTimeout: toolrpc.DefaultRequestTimeout,
		MaxIdle:           30 * time.Minute,
		CleanupInterval:   5 * time.Minute,
		Log:               observability.LogConfig{Level: "info", Format: "json"},
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.LiteLLMAddress == "" && !cfg.Dev {
		return nil, fmt.Errorf("FREVAGPT_LITE_LLM_ADDRESS is required")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FREVAGPT_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("FREVAGPT_BACKEND_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("FREVAGPT_LITE_LLM_ADDRESS"); v != "" {
		c.LiteLLMAddress = v
	}
	if v := os.Getenv("FREVAGPT_LLM_TOKEN"); v != "" {
		c.LLMToken = v
	}
	if v := os.Getenv("FREVAGPT_DEFAULT_MODEL"); v != "" {
		c.DefaultModel = v
	}
	if v := os.Getenv("FREVAGPT_SYSTEM_PROMPT"); v != "" {
		c.SystemPrompt = v
	}
	if v := os.Getenv("FREVAGPT_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("FREVAGPT_SQLITE_PATH"); v != "" {
		c.SQLitePath = v
	}
	if v := os.Getenv("FREVAGPT_DEV"); v != "" {
		c.Dev = parseBool(v)
	}
	if v := os.Getenv("FREVAGPT_MCP_REQUEST_TIMEOUT_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			c.MCPRequestTimeout = time.Duration(sec) * time.Second
		}
	}
	if v := os.Getenv("FREVAGPT_MAX_IDLE_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec >= 0 {
			c.MaxIdle = time.Duration(sec) * time.Second
		}
	}
	if v := os.Getenv("FREVAGPT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("FREVAGPT_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}

	if servers := toolServersFromEnv(); len(servers) > 0 {
		c.ToolServers = servers
	}
}

// toolServersFromEnv reads FREVAGPT_AVAILABLE_MCP_SERVERS (comma-separated
// logical names) and FREVAGPT_<NAME>_SERVER_URL per entry.
func toolServersFromEnv() []toolrpc.ServerConfig {
	names := os.Getenv("FREVAGPT_AVAILABLE_MCP_SERVERS")
	if names == "" {
		return nil
	}

	var servers []toolrpc.ServerConfig
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		envKey := "FREVAGPT_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_SERVER_URL"
		url := os.Getenv(envKey)
		if url == "" {
			continue
		}
		servers = append(servers, toolrpc.ServerConfig{Name: name, URL: url})
	}
	return servers
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
