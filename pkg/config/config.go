package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pario-ai/copydesk/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all copydesk configuration.
type Config struct {
	Listen     string           `yaml:"listen"`
	DBPath     string           `yaml:"db_path"`
	Log        LogConfig        `yaml:"log"`
	Providers  []ProviderConfig `yaml:"providers"`
	Router     RouterConfig     `yaml:"router"`
	Generation GenerationConfig `yaml:"generation"`
	Cache      CacheConfig      `yaml:"cache"`
	Quota      QuotaConfig      `yaml:"quota"`
	History    HistoryConfig    `yaml:"history"`
	Server     ServerConfig     `yaml:"server"`
}

// LogConfig selects the zap level and encoder.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ProviderConfig defines an upstream model provider.
// Type is "openai" (default) or "anthropic".
type ProviderConfig struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	Type   string `yaml:"type"`
}

// RouterConfig defines model routing and fallback chains.
type RouterConfig struct {
	Routes []RouteConfig `yaml:"routes"`
}

// RouteConfig maps a model alias to an ordered list of targets.
type RouteConfig struct {
	Model   string        `yaml:"model"`
	Targets []RouteTarget `yaml:"targets"`
}

// RouteTarget identifies a specific provider and model in a fallback chain.
type RouteTarget struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// GenerationConfig holds model defaults applied to incoming requests.
type GenerationConfig struct {
	TextModel    string        `yaml:"text_model"`
	ImageModel   string        `yaml:"image_model"`
	ImageSize    string        `yaml:"image_size"`
	ImageQuality string        `yaml:"image_quality"`
	MaxTokens    int           `yaml:"max_tokens"`
	Temperature  float64       `yaml:"temperature"`
	EnableImages bool          `yaml:"enable_images"`
	Timeout      time.Duration `yaml:"timeout"`
}

// CacheConfig controls the request cache.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	TTL        time.Duration `yaml:"ttl"`
	Backend    string        `yaml:"backend"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig points the redis cache backend at a server.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// QuotaConfig controls daily usage limits.
type QuotaConfig struct {
	Enabled            bool   `yaml:"enabled"`
	models.UsageLimits `yaml:",inline"`
	Window             string `yaml:"window"`
	Timezone           string `yaml:"timezone"`
	Persist            bool   `yaml:"persist"`
}

// HistoryConfig controls the generation history log.
type HistoryConfig struct {
	Enabled       bool `yaml:"enabled"`
	RetentionDays int  `yaml:"retention_days"`
}

// ServerConfig holds front-end settings.
type ServerConfig struct {
	CORSAllowedOrigins []string        `yaml:"cors_allowed_origins"`
	RateLimit          RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig is a per-client token bucket. RPS 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Cache backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Quota window modes.
const (
	WindowCalendar = "calendar"
	WindowRolling  = "rolling"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: "0.0.0.0:3000",
		DBPath: "copydesk.db",
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Generation: GenerationConfig{
			TextModel:    "gpt-4o",
			ImageModel:   "dall-e-3",
			ImageSize:    "1024x1024",
			ImageQuality: "standard",
			MaxTokens:    600,
			Temperature:  0.7,
			EnableImages: true,
			Timeout:      60 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:    true,
			TTL:        time.Hour,
			Backend:    BackendMemory,
			MaxEntries: 1000,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "copydesk:cache:",
			},
		},
		Quota: QuotaConfig{
			Enabled: true,
			UsageLimits: models.UsageLimits{
				MaxRequestsPerDay: 100,
				MaxTokensPerDay:   100000,
				MaxImagesPerDay:   50,
			},
			Window:   WindowCalendar,
			Timezone: "UTC",
		},
		History: HistoryConfig{
			Enabled:       true,
			RetentionDays: 30,
		},
		Server: ServerConfig{
			CORSAllowedOrigins: []string{"*"},
		},
	}
}

// Load reads a YAML config file, expands environment variables and applies
// environment overrides. A missing file is tolerated when allowMissing is set.
func Load(path string, allowMissing bool) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && allowMissing:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("OPENAI_API_KEY"); ok && v != "" {
		c.setOpenAIKey(v)
	}

	host, port, err := net.SplitHostPort(c.Listen)
	if err != nil {
		host, port = c.Listen, ""
	}
	if v, ok := lookup("HOST"); ok && v != "" {
		host = v
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		port = v
	}
	c.Listen = net.JoinHostPort(host, port)

	ints := []struct {
		name string
		dst  *int64
	}{
		{"MAX_REQUESTS_PER_DAY", &c.Quota.MaxRequestsPerDay},
		{"MAX_TOKENS_PER_DAY", &c.Quota.MaxTokensPerDay},
		{"MAX_IMAGES_PER_DAY", &c.Quota.MaxImagesPerDay},
	}
	for _, e := range ints {
		v, ok := lookup(e.name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("env %s: %w", e.name, err)
		}
		*e.dst = n
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"ENABLE_CACHING", &c.Cache.Enabled},
		{"ENABLE_IMAGE_GENERATION", &c.Generation.EnableImages},
		{"ENABLE_USAGE_TRACKING", &c.Quota.Enabled},
	}
	for _, e := range bools {
		v, ok := lookup(e.name)
		if !ok || v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("env %s: %w", e.name, err)
		}
		*e.dst = b
	}

	if v, ok := lookup("CACHE_TIMEOUT"); ok && v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("env CACHE_TIMEOUT: %w", err)
		}
		c.Cache.TTL = time.Duration(secs) * time.Second
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v, ok := lookup("CORS_ALLOWED_ORIGINS"); ok && v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.Server.CORSAllowedOrigins = origins
	}
	return nil
}

// setOpenAIKey fills the key on every openai provider lacking one, adding a
// default provider when none is configured.
func (c *Config) setOpenAIKey(key string) {
	found := false
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Type != "" && p.Type != "openai" {
			continue
		}
		found = true
		if p.APIKey == "" {
			p.APIKey = key
		}
	}
	if !found {
		c.Providers = append(c.Providers, ProviderConfig{
			Name:   "openai",
			Type:   "openai",
			URL:    "https://api.openai.com",
			APIKey: key,
		})
	}
}

// APIConfigured reports whether at least one provider has credentials.
func (c *Config) APIConfigured() bool {
	for _, p := range c.Providers {
		if p.APIKey != "" {
			return true
		}
	}
	return false
}

// Location resolves the quota timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Quota.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Quota.Timezone)
	if err != nil {
		return nil, fmt.Errorf("quota timezone %q: %w", c.Quota.Timezone, err)
	}
	return loc, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if c.Quota.MaxRequestsPerDay < 0 || c.Quota.MaxTokensPerDay < 0 || c.Quota.MaxImagesPerDay < 0 {
		problems = append(problems, "quota limits must not be negative")
	}
	switch c.Cache.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		problems = append(problems, fmt.Sprintf("unknown cache backend %q", c.Cache.Backend))
	}
	if c.Cache.TTL < 0 || (c.Cache.Enabled && c.Cache.TTL == 0) {
		problems = append(problems, "cache ttl must be positive while caching is enabled")
	}
	switch c.Quota.Window {
	case WindowCalendar, WindowRolling:
	default:
		problems = append(problems, fmt.Sprintf("unknown quota window %q", c.Quota.Window))
	}
	if _, err := c.Location(); err != nil {
		problems = append(problems, err.Error())
	}
	for _, p := range c.Providers {
		switch p.Type {
		case "", "openai", "anthropic":
		default:
			problems = append(problems, fmt.Sprintf("provider %q: unknown type %q", p.Name, p.Type))
		}
	}
	if c.Generation.MaxTokens <= 0 {
		problems = append(problems, "generation max_tokens must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
