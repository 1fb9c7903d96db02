package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voximetry/voximetry/internal/voice"
)

// Defaults applied by [applyDefaults] when the YAML leaves a field unset.
const (
	DefaultListenAddr          = ":8080"
	DefaultModel               = "gemini-2.0-flash-live-001"
	DefaultReconnectMaxRetries = 3
	DefaultReconnectBaseDelay  = time.Second
	DefaultToolTimeout         = 5 * time.Second
	DefaultMessagesPerSecond   = 100
	DefaultConnectsPerMinute   = 30
	DefaultShutdownGrace       = 10 * time.Second
	DefaultRetentionGrace      = 24 * time.Hour
	DefaultLanguage            = "en"
)

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides and defaults, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments override file values
// without editing the YAML. Secrets in particular arrive this way.
func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setString("VOXIMETRY_LISTEN_ADDR", &cfg.Server.ListenAddr)
	setString("VOXIMETRY_GEMINI_PROJECT", &cfg.Gemini.Project)
	setString("VOXIMETRY_GEMINI_REGION", &cfg.Gemini.Region)
	setString("VOXIMETRY_GEMINI_MODEL", &cfg.Gemini.Model)
	setString("VOXIMETRY_GEMINI_ENDPOINT", &cfg.Gemini.Endpoint)
	setString("VOXIMETRY_DEFAULT_VOICE", &cfg.Gemini.DefaultVoice)
	setString("VOXIMETRY_POSTGRES_DSN", &cfg.Store.PostgresDSN)
	setString("VOXIMETRY_ANALYSIS_API_KEY", &cfg.Analysis.APIKey)

	if v, ok := os.LookupEnv("VOXIMETRY_ENVIRONMENT"); ok {
		cfg.Server.Environment = Environment(v)
	}
	if v, ok := os.LookupEnv("VOXIMETRY_LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(v)
	}
	if v, ok := os.LookupEnv("VOXIMETRY_RECONNECT_MAX_RETRIES"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Gemini.ReconnectMaxRetries = n
		}
	}
	if v, ok := os.LookupEnv("VOXIMETRY_RECONNECT_BASE_DELAY"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Gemini.ReconnectBaseDelay = d
		}
	}
	if v, ok := os.LookupEnv("VOXIMETRY_TOOLS_DISABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Tools.Disabled = b
		}
	}
	if v, ok := os.LookupEnv("VOXIMETRY_TOOL_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Tools.Timeout = d
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.Environment == "" {
		cfg.Server.Environment = EnvDevelopment
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownGrace <= 0 {
		cfg.Server.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.Gemini.Model == "" {
		cfg.Gemini.Model = DefaultModel
	}
	if cfg.Gemini.DefaultVoice == "" {
		cfg.Gemini.DefaultVoice = voice.DefaultVoice
	}
	if cfg.Gemini.ReconnectMaxRetries == 0 {
		cfg.Gemini.ReconnectMaxRetries = DefaultReconnectMaxRetries
	}
	if cfg.Gemini.ReconnectBaseDelay == 0 {
		cfg.Gemini.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if cfg.Tools.Timeout == 0 {
		cfg.Tools.Timeout = DefaultToolTimeout
	}
	if cfg.Limits.MessagesPerSecond == 0 {
		cfg.Limits.MessagesPerSecond = DefaultMessagesPerSecond
	}
	if cfg.Limits.ConnectsPerMinute == 0 {
		cfg.Limits.ConnectsPerMinute = DefaultConnectsPerMinute
	}
	if cfg.Store.RetentionGrace == 0 {
		cfg.Store.RetentionGrace = DefaultRetentionGrace
	}
	if cfg.Questionnaire.DefaultLanguage == "" {
		cfg.Questionnaire.DefaultLanguage = DefaultLanguage
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.Environment.IsValid() {
		errs = append(errs, fmt.Errorf("server.environment %q is invalid; valid values: development, staging, production", cfg.Server.Environment))
	}
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Environment != EnvDevelopment && len(cfg.Server.AllowedOrigins) == 0 {
		errs = append(errs, fmt.Errorf("server.allowed_origins is required in %s", cfg.Server.Environment))
	}

	if cfg.Gemini.Project == "" {
		errs = append(errs, errors.New("gemini.project is required"))
	}
	if cfg.Gemini.Region == "" {
		errs = append(errs, errors.New("gemini.region is required"))
	}

	resolver := voice.NewResolver(voice.WithDefault(cfg.Gemini.DefaultVoice))
	if err := resolver.Validate(voice.Knobs{
		ReconnectMaxRetries: cfg.Gemini.ReconnectMaxRetries,
		ReconnectBaseDelay:  cfg.Gemini.ReconnectBaseDelay,
		ToolTimeout:         cfg.Tools.Timeout,
	}); err != nil {
		errs = append(errs, err)
	}

	if cfg.Limits.MessagesPerSecond < 1 {
		errs = append(errs, fmt.Errorf("limits.messages_per_second %d must be at least 1", cfg.Limits.MessagesPerSecond))
	}
	if cfg.Limits.ConnectsPerMinute < 1 {
		errs = append(errs, fmt.Errorf("limits.connects_per_minute %d must be at least 1", cfg.Limits.ConnectsPerMinute))
	}

	seen := make(map[string]int, len(cfg.Tools.MCPServers))
	for i, srv := range cfg.Tools.MCPServers {
		prefix := fmt.Sprintf("tools.mcp_servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tools.mcp_servers[%d]", prefix, srv.Name, prev))
			}
			seen[srv.Name] = i
		}
		if srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required", prefix))
		}
	}

	if cfg.Analysis.Enabled {
		if cfg.Analysis.Provider == "" {
			errs = append(errs, errors.New("analysis.provider is required when analysis is enabled"))
		}
		if cfg.Analysis.Model == "" {
			errs = append(errs, errors.New("analysis.model is required when analysis is enabled"))
		}
	}

	return errors.Join(errs...)
}

// UpstreamEndpoint returns the WebSocket URL for the streaming endpoint,
// honouring the Endpoint override.
func (g GeminiConfig) UpstreamEndpoint() string {
	if g.Endpoint != "" {
		return g.Endpoint
	}
	return fmt.Sprintf(
		"wss://%s-aiplatform.googleapis.com/ws/google.cloud.aiplatform.v1beta1.LlmBidiService/BidiGenerateContent",
		g.Region,
	)
}
