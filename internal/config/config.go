package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvAPIKey names the environment variable carrying the upstream credential.
const EnvAPIKey = "PERPLEXITY_API_KEY"

const (
	defaultBaseURL       = "https://api.perplexity.ai"
	defaultChatTimeout   = 120 * time.Second
	defaultSearchTimeout = 30 * time.Second
	defaultIdleTimeout   = 30 * time.Second
)

// ErrMissingAPIKey is a configuration error, distinct from runtime upstream
// failures: no upstream call is ever attempted without a credential.
var ErrMissingAPIKey = fmt.Errorf("%s environment variable is required", EnvAPIKey)

// Config represents the application configuration parsed from YAML plus the
// upstream credential taken from the process environment.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
}

// ServerConfig defines listener and CORS configuration.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// UpstreamConfig captures where and how to reach the upstream provider. The
// API key never appears in YAML; it is resolved from the environment.
type UpstreamConfig struct {
	BaseURL           string        `yaml:"base_url"`
	ChatTimeout       time.Duration `yaml:"chat_timeout"`
	SearchTimeout     time.Duration `yaml:"search_timeout"`
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout"`

	APIKey string `yaml:"-"`
}

// Load reads YAML configuration from disk, resolves the upstream credential
// from the environment (honoring a .env file), and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}
	cfg.applyDefaults()

	// Best effort; absent .env just means plain environment variables.
	_ = godotenv.Load()
	cfg.Upstream.APIKey = os.Getenv(EnvAPIKey)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Upstream.BaseURL) == "" {
		c.Upstream.BaseURL = defaultBaseURL
	}
	if c.Upstream.ChatTimeout == 0 {
		c.Upstream.ChatTimeout = defaultChatTimeout
	}
	if c.Upstream.SearchTimeout == 0 {
		c.Upstream.SearchTimeout = defaultSearchTimeout
	}
	if c.Upstream.StreamIdleTimeout == 0 {
		c.Upstream.StreamIdleTimeout = defaultIdleTimeout
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{
			"http://localhost:3000",
			"http://127.0.0.1:3000",
		}
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	for _, origin := range c.Server.AllowedOrigins {
		if strings.TrimSpace(origin) == "" {
			return errors.New("server.allowed_origins must not contain empty entries")
		}
		parsed, err := url.Parse(origin)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("server.allowed_origins entry %q is not an absolute URL", origin)
		}
	}

	parsed, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("upstream.base_url %q is not an absolute URL", c.Upstream.BaseURL)
	}

	for name, d := range map[string]time.Duration{
		"upstream.chat_timeout":        c.Upstream.ChatTimeout,
		"upstream.search_timeout":      c.Upstream.SearchTimeout,
		"upstream.stream_idle_timeout": c.Upstream.StreamIdleTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if strings.TrimSpace(c.Upstream.APIKey) == "" {
		return ErrMissingAPIKey
	}

	return nil
}
