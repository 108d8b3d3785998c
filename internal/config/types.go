package config

import "time"

// Config represents the complete genstream configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`
	LLM      LLMConfig      `yaml:"llm"`
	Generate GenerateConfig `yaml:"generate"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// DatabaseConfig defines SQLite storage settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen               string        `yaml:"listen"`
	Token                string        `yaml:"token"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	SubscriberQueueDepth int           `yaml:"subscriber_queue_depth"`
}

// LLMConfig defines the LLM provider settings.
type LLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url,omitempty"`
}

// GenerateConfig defines generation task behavior.
type GenerateConfig struct {
	TokenTimeout   time.Duration `yaml:"token_timeout"`
	MaxPromptBytes int           `yaml:"max_prompt_bytes"`
}
