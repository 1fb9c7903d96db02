// Package config provides the configuration schema and loader for the
// voximetry gateway.
package config

import "time"

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Environment selects the deployment posture. It gates the CORS policy and
// error verbosity on the client-facing socket.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// IsValid reports whether e is a recognised environment.
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvStaging, EnvProduction:
		return true
	}
	return false
}

// Config is the root configuration structure for the gateway.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Gemini        GeminiConfig        `yaml:"gemini"`
	Tools         ToolsConfig         `yaml:"tools"`
	Limits        LimitsConfig        `yaml:"limits"`
	Store         StoreConfig         `yaml:"store"`
	Questionnaire QuestionnaireConfig `yaml:"questionnaire"`
	Analysis      AnalysisConfig      `yaml:"analysis"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// Environment selects the deployment posture. Defaults to development.
	Environment Environment `yaml:"environment"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists CORS origins for staging and production. Ignored
	// in development, where any origin is accepted.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ShutdownGrace bounds how long in-flight sessions get to finish on
	// shutdown. Defaults to 10s.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// GeminiConfig holds upstream streaming settings.
type GeminiConfig struct {
	// Project is the cloud project identifier. Required.
	Project string `yaml:"project"`

	// Region is the cloud region hosting the endpoint. Required.
	Region string `yaml:"region"`

	// Model is the bare live model name.
	Model string `yaml:"model"`

	// Endpoint overrides the derived WebSocket URL. Leave empty outside
	// tests.
	Endpoint string `yaml:"endpoint"`

	// DefaultVoice is the prebuilt voice used when a session does not pick
	// one. Must resolve to a canonical voice.
	DefaultVoice string `yaml:"default_voice"`

	// ReconnectMaxRetries bounds reconnection attempts per session.
	// Valid range [0, 10]; defaults to 3.
	ReconnectMaxRetries int `yaml:"reconnect_max_retries"`

	// ReconnectBaseDelay is the first backoff interval; doubles per attempt.
	// Minimum 100ms; defaults to 1s.
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
}

// ToolsConfig holds tool dispatch settings.
type ToolsConfig struct {
	// Disabled turns off function calling entirely; sessions run without
	// tool declarations.
	Disabled bool `yaml:"disabled"`

	// Timeout bounds a single tool execution. Minimum 1s; defaults to 5s.
	Timeout time.Duration `yaml:"timeout"`

	// MCPServers lists external Model Context Protocol tool servers whose
	// tools are offered to the model alongside the built-in survey tools.
	MCPServers []MCPServerConfig `yaml:"mcp_servers"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server.
	Name string `yaml:"name"`

	// URL is the streamable-http MCP endpoint address.
	URL string `yaml:"url"`

	// Token is an optional static Bearer token for the server.
	Token string `yaml:"token"`
}

// LimitsConfig holds client-facing rate limits.
type LimitsConfig struct {
	// MessagesPerSecond caps inbound socket messages per session within a
	// fixed one-second window. Defaults to 100.
	MessagesPerSecond int `yaml:"messages_per_second"`

	// ConnectsPerMinute caps new socket connections per client IP.
	// Defaults to 30.
	ConnectsPerMinute int `yaml:"connects_per_minute"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	// PostgresDSN is the PostgreSQL connection string. When empty, the
	// gateway runs with in-memory storage and nothing survives a restart.
	PostgresDSN string `yaml:"postgres_dsn"`

	// RetentionGrace is how long after completion a session's recordings
	// are kept before deletion. Defaults to 24h.
	RetentionGrace time.Duration `yaml:"retention_grace"`
}

// QuestionnaireConfig holds survey definition settings.
type QuestionnaireConfig struct {
	// Dir is the directory holding questionnaire YAML files and the
	// per-language prompt folders.
	Dir string `yaml:"dir"`

	// DefaultLanguage is the prompt language used when a session does not
	// request one. Defaults to "en".
	DefaultLanguage string `yaml:"default_language"`
}

// AnalysisConfig holds post-session analysis settings.
type AnalysisConfig struct {
	// Enabled toggles the post-session sentiment and extraction passes.
	Enabled bool `yaml:"enabled"`

	// Provider names the LLM provider used for analysis (e.g., "openai",
	// "anthropic", "gemini").
	Provider string `yaml:"provider"`

	// Model selects the analysis model within the provider.
	Model string `yaml:"model"`

	// APIKey authenticates against the provider if required.
	APIKey string `yaml:"api_key"`
}
