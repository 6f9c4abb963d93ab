// Package config holds all configuration types and loading logic for dayslot.
// Config structure never shrinks — fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/snehjoshi/dayslot/internal/types"
)

// CronParser parses scheduler.pass_spec: standard five-field expressions with
// an optional leading seconds field, plus descriptors such as "@every 1m".
var CronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Config is the root configuration for a dayslot server instance.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Host      HostConfig      `yaml:"host"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Auth      AuthConfig      `yaml:"auth"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
}

// NodeConfig holds identity and network settings for this server node.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// HostConfig points at the host platform's message API.
type HostConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// AppInstanceID narrows ListPending to one app instance. Empty = all.
	AppInstanceID string `yaml:"app_instance_id"`
	TimeoutMs     int    `yaml:"timeout_ms"`
	// RetryDelaysMs is the list of delays between successive retry attempts
	// of a host call. Its length is the number of retries.
	RetryDelaysMs []int `yaml:"retry_delays_ms"`
}

// Classifier names accepted by scheduler.classifier.
const (
	ClassifierUnset    = "unset"
	ClassifierExemplar = "exemplar"
)

// SchedulerConfig controls scheduling passes.
type SchedulerConfig struct {
	// IntervalSeconds is the spacing enforced between colliding slots, i.e.
	// the cadence at which the downstream delivery poller picks messages up.
	IntervalSeconds int64 `yaml:"interval_seconds"`
	// PassSpec is the cron expression driving periodic passes.
	PassSpec string `yaml:"pass_spec"`
	// Timezone is the IANA location whose midnight anchors delivery day times.
	Timezone       string   `yaml:"timezone"`
	ExcludedTopics []string `yaml:"excluded_topics"`

	Classifier          string           `yaml:"classifier"`
	ConfidenceThreshold float64          `yaml:"confidence_threshold"`
	Exemplars           []types.Exemplar `yaml:"exemplars"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// HTTPConfig controls the admin API's per-IP rate limit.
type HTTPConfig struct {
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// WebhookConfig is one endpoint that receives every finished pass.
type WebhookConfig struct {
	URL string `yaml:"url"`
	// Secret, when set, signs each body with HMAC-SHA256 in X-Dayslot-Signature.
	Secret string `yaml:"secret"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Host: HostConfig{
			BaseURL:       "http://localhost:9000",
			TimeoutMs:     10_000,
			RetryDelaysMs: []int{1_000, 5_000, 30_000},
		},
		Scheduler: SchedulerConfig{
			IntervalSeconds:     60,
			PassSpec:            "@every 1m",
			Timezone:            "Local",
			ExcludedTopics:      []string{},
			Classifier:          ClassifierUnset,
			ConfidenceThreshold: 0.35,
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		HTTP: HTTPConfig{
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error.
//
// After loading the file, environment variables are applied as overrides:
//
//	DAYSLOT_AUTH_API_KEY  — sets auth.api_key and enables auth (auth.enabled = true)
//	DAYSLOT_DATA_DIR      — sets node.data_dir
//	DAYSLOT_PORT          — sets node.port
//	DAYSLOT_HOST_URL      — sets host.base_url
//	DAYSLOT_HOST_API_KEY  — sets host.api_key
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DAYSLOT_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("DAYSLOT_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("DAYSLOT_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("DAYSLOT_HOST_URL"); v != "" {
		cfg.Host.BaseURL = v
	}
	if v := os.Getenv("DAYSLOT_HOST_API_KEY"); v != "" {
		cfg.Host.APIKey = v
	}
}

// Location resolves scheduler.timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" || c.Scheduler.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Scheduler.Timezone)
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	if strings.TrimSpace(c.Host.BaseURL) == "" {
		return errors.New("host.base_url must not be empty")
	}
	if c.Host.TimeoutMs < 0 {
		return errors.New("host.timeout_ms must be >= 0")
	}
	for _, d := range c.Host.RetryDelaysMs {
		if d < 0 {
			return errors.New("host.retry_delays_ms must not contain negative delays")
		}
	}
	if c.Scheduler.IntervalSeconds < 1 {
		return errors.New("scheduler.interval_seconds must be at least 1")
	}
	if _, err := CronParser.Parse(c.Scheduler.PassSpec); err != nil {
		return fmt.Errorf("scheduler.pass_spec: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	switch c.Scheduler.Classifier {
	case ClassifierUnset, ClassifierExemplar:
		// valid
	default:
		return errors.New(`scheduler.classifier must be one of "unset", "exemplar"`)
	}
	if t := c.Scheduler.ConfidenceThreshold; t <= 0 || t > 1 {
		return errors.New("scheduler.confidence_threshold must be in (0, 1]")
	}
	if c.HTTP.RateLimitRPS <= 0 || c.HTTP.RateLimitBurst < 1 {
		return errors.New("http.rate_limit_rps must be > 0 and http.rate_limit_burst >= 1")
	}
	for i, w := range c.Webhooks {
		u, err := url.Parse(w.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhooks[%d].url must be an absolute http(s) URL", i)
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return errors.New(`log.level must be one of "debug", "info", "warn", "error"`)
	}
	return nil
}
