package common

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ValidProviderTypes are the allowed wire protocols for chat providers.
var ValidProviderTypes = []string{"openai", "openai_compatible", "anthropic", "greatwall"}

// ModelConfig describes one model offered by a provider.
type ModelConfig struct {
	Name              string   `koanf:"name"`
	Temperature       *float32 `koanf:"temperature,omitempty"`
	MaxTokens         int      `koanf:"max_tokens,omitempty"`
	SupportsReasoning bool     `koanf:"supports_reasoning,omitempty"`
	// Streaming defaults to true when unset; only explicitly non-streaming
	// models need to declare it.
	Streaming *bool `koanf:"streaming,omitempty"`
	// SingleTurn marks models that cannot hold multi-turn conversations;
	// history is flattened into a single prompt for them.
	SingleTurn bool `koanf:"single_turn,omitempty"`
}

// ProviderConfig configures one upstream LLM provider.
type ProviderConfig struct {
	Name          string        `koanf:"name"`
	ProviderType  string        `koanf:"provider_type"`
	Enabled       bool          `koanf:"enabled"`
	BaseURL       string        `koanf:"base_url,omitempty"`
	Key           string        `koanf:"key,omitempty"`
	DefaultModel  string        `koanf:"default_model,omitempty"`
	Models        []ModelConfig `koanf:"models,omitempty"`
	ReadTimeoutMs int           `koanf:"read_timeout_ms,omitempty"`
	MaxRetries    int           `koanf:"max_retries,omitempty"`
	SkipTLSVerify bool          `koanf:"skip_tls_verify,omitempty"`
}

// APIKey returns the configured key, falling back to the <NAME>_API_KEY
// environment variable.
func (p ProviderConfig) APIKey() string {
	if p.Key != "" {
		return p.Key
	}
	normalized := strings.ToUpper(strings.ReplaceAll(p.Name, "-", "_"))
	return os.Getenv(normalized + "_API_KEY")
}

// Available reports whether the provider is enabled and has a credential.
func (p ProviderConfig) Available() bool {
	return p.Enabled && p.APIKey() != ""
}

func (p ProviderConfig) ReadTimeout() time.Duration {
	if p.ReadTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.ReadTimeoutMs) * time.Millisecond
}

// Validate ensures the ProviderConfig is valid
func (p ProviderConfig) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.ProviderType == "" {
		return fmt.Errorf("provider_type is required")
	}
	if !slices.Contains(ValidProviderTypes, p.ProviderType) {
		return fmt.Errorf("invalid provider_type: %s", p.ProviderType)
	}
	if p.ProviderType != "openai" && p.ProviderType != "anthropic" && p.BaseURL == "" {
		return fmt.Errorf("base_url is required for provider_type %s", p.ProviderType)
	}
	return nil
}

// DefaultsConfig holds fallback generation parameters and model selection.
type DefaultsConfig struct {
	Provider    string  `koanf:"provider,omitempty"`
	Model       string  `koanf:"model,omitempty"`
	Temperature float32 `koanf:"temperature,omitempty"`
	MaxTokens   int     `koanf:"max_tokens,omitempty"`
}

// TavilyConfig configures the web search backend.
type TavilyConfig struct {
	BaseURL    string `koanf:"base_url,omitempty"`
	Key        string `koanf:"key,omitempty"`
	TimeoutMs  int    `koanf:"timeout_ms,omitempty"`
	MaxResults int    `koanf:"max_results,omitempty"`
}

func (t TavilyConfig) APIKey() string {
	if t.Key != "" {
		return t.Key
	}
	return os.Getenv("TAVILY_API_KEY")
}

func (t TavilyConfig) Timeout() time.Duration {
	if t.TimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(t.TimeoutMs) * time.Millisecond
}

type SearchConfig struct {
	Enabled bool         `koanf:"enabled"`
	Tavily  TavilyConfig `koanf:"tavily,omitempty"`
}

// StreamingConfig bounds the lifetime of one streaming turn.
type StreamingConfig struct {
	ResponseTimeoutMs int `koanf:"response_timeout_ms,omitempty"`
	IdleTimeoutMs     int `koanf:"idle_timeout_ms,omitempty"`
}

func (s StreamingConfig) ResponseTimeout() time.Duration {
	if s.ResponseTimeoutMs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(s.ResponseTimeoutMs) * time.Millisecond
}

func (s StreamingConfig) IdleTimeout() time.Duration {
	if s.IdleTimeoutMs <= 0 {
		return 90 * time.Second
	}
	return time.Duration(s.IdleTimeoutMs) * time.Millisecond
}

type StorageConfig struct {
	// Backend selects the message store implementation: "sqlite" or "redis".
	Backend      string `koanf:"backend,omitempty"`
	SqlitePath   string `koanf:"sqlite_path,omitempty"`
	RedisAddress string `koanf:"redis_address,omitempty"`
}

type ServerConfig struct {
	Port int `koanf:"port,omitempty"`
}

// Config is the root configuration file structure.
type Config struct {
	Server    ServerConfig     `koanf:"server,omitempty"`
	Providers []ProviderConfig `koanf:"providers,omitempty"`
	Defaults  DefaultsConfig   `koanf:"defaults,omitempty"`
	Search    SearchConfig     `koanf:"search,omitempty"`
	Streaming StreamingConfig  `koanf:"streaming,omitempty"`
	Storage   StorageConfig    `koanf:"storage,omitempty"`
}

// Validate ensures the Config is valid
func (c Config) Validate() error {
	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("provider %q: %w", p.Name, err)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name: %s", p.Name)
		}
		seen[p.Name] = true
	}
	if c.Defaults.Provider != "" && !seen[c.Defaults.Provider] {
		return fmt.Errorf("defaults.provider %q is not a configured provider", c.Defaults.Provider)
	}
	if c.Storage.Backend != "" && c.Storage.Backend != "sqlite" && c.Storage.Backend != "redis" {
		return fmt.Errorf("invalid storage backend: %s", c.Storage.Backend)
	}
	return nil
}

// GetProvider returns the config for the named provider, case-insensitively.
func (c Config) GetProvider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// GetModel looks up a model config across all providers, returning the
// provider that declares it.
func (c Config) GetModel(model string) (ProviderConfig, ModelConfig, bool) {
	for _, p := range c.Providers {
		for _, m := range p.Models {
			if m.Name == model {
				return p, m, true
			}
		}
	}
	return ProviderConfig{}, ModelConfig{}, false
}

// GetConfigPath returns the path of the chatd config file. Can be overridden
// by setting the CHATD_CONFIG environment variable.
func GetConfigPath() (string, error) {
	if configPath := os.Getenv("CHATD_CONFIG"); configPath != "" {
		return configPath, nil
	}
	stateHome, err := GetChatdStateHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(stateHome, "config.yml"), nil
}

// LoadConfig reads and validates the config file at the given path. A missing
// file yields a zero config rather than an error so a bare environment-driven
// setup still works.
func LoadConfig(path string) (Config, error) {
	var config Config

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return config, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := k.Unmarshal("", &config); err != nil {
		return config, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return config, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}
