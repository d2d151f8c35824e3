package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models journeyline.yml.
type Config struct {
	Journeys map[string]Journey `yaml:"journeys"`
	Retry    Retry              `yaml:"retry"`
	Jobs     Jobs               `yaml:"jobs"`
	Session  Session            `yaml:"session"`
	Executor Executor           `yaml:"executor"`
	Database Database           `yaml:"database"`
	Policy   Policy             `yaml:"policy"`
	Log      Log                `yaml:"log"`
	Webhooks []WebhookConfig    `yaml:"webhooks"`
}

// Journey is one configured journey type: an ordered list of frameworks.
type Journey struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Available    *bool    `yaml:"available"`
	Frameworks   []string `yaml:"frameworks"`
	AllowedUsers []string `yaml:"allowed_users"`
}

// IsAvailable defaults to true when unset.
func (j Journey) IsAvailable() bool {
	return j.Available == nil || *j.Available
}

type Retry struct {
	MaxRetries  int `yaml:"max_retries"`
	BaseDelayMS int `yaml:"base_delay_ms"`
	MaxDelayMS  int `yaml:"max_delay_ms"`
}

type Jobs struct {
	PollIntervalMS     int `yaml:"poll_interval_ms"`
	BatchSize          int `yaml:"batch_size"`
	MaxConcurrent      int `yaml:"max_concurrent"`
	RetentionDays      int `yaml:"retention_days"`
	WorkerAttempts     int `yaml:"worker_attempts"`
	WorkerRetryDelayMS int `yaml:"worker_retry_delay_ms"`
}

type Session struct {
	LeaseSeconds int `yaml:"lease_seconds"`
	StepDelayMS  int `yaml:"step_delay_ms"`
}

type Executor struct {
	Kind           string `yaml:"kind"`
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type Database struct {
	MaxOpenConns  int `yaml:"max_open_conns"`
	BusyTimeoutMS int `yaml:"busy_timeout_ms"`
}

type Policy struct {
	// File overrides the built-in availability policy with a rego module.
	File string `yaml:"file"`
}

type Log struct {
	Level string `yaml:"level"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with jl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Journeys) == 0 {
		return fmt.Errorf("config.journeys must define at least one journey")
	}
	for id, j := range c.Journeys {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("config.journeys contains empty journey type")
		}
		if len(j.Frameworks) == 0 {
			return fmt.Errorf("journey %s has no frameworks", id)
		}
		for _, f := range j.Frameworks {
			if strings.TrimSpace(f) == "" {
				return fmt.Errorf("journey %s has empty framework name", id)
			}
		}
	}
	if c.Retry.MaxRetries < 0 || c.Retry.BaseDelayMS < 0 || c.Retry.MaxDelayMS < 0 {
		return fmt.Errorf("config.retry values must not be negative")
	}
	if c.Retry.MaxDelayMS > 0 && c.Retry.BaseDelayMS > c.Retry.MaxDelayMS {
		return fmt.Errorf("config.retry.base_delay_ms must not exceed max_delay_ms")
	}
	if c.Jobs.BatchSize < 0 || c.Jobs.MaxConcurrent < 0 || c.Jobs.RetentionDays < 0 || c.Jobs.WorkerAttempts < 0 {
		return fmt.Errorf("config.jobs values must not be negative")
	}
	if c.Session.LeaseSeconds < 0 || c.Session.StepDelayMS < 0 || c.Executor.TimeoutSeconds < 0 {
		return fmt.Errorf("config.session and config.executor values must not be negative")
	}
	if c.Session.LeaseSeconds > 0 && c.Session.LeaseSeconds <= c.Executor.TimeoutSeconds {
		return fmt.Errorf("config.session.lease_seconds must exceed config.executor.timeout_seconds")
	}
	switch c.Executor.Kind {
	case "", "local":
	case "http":
		if strings.TrimSpace(c.Executor.BaseURL) == "" {
			return fmt.Errorf("config.executor.base_url is required for kind http")
		}
	default:
		return fmt.Errorf("config.executor.kind must be 'local' or 'http'")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// JourneyTypes returns configured journey types, sorted.
func (c *Config) JourneyTypes() []string {
	out := make([]string, 0, len(c.Journeys))
	for id := range c.Journeys {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *Config) Journey(journeyType string) (Journey, bool) {
	j, ok := c.Journeys[journeyType]
	return j, ok
}

func (c *Config) applyDefaults() {
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.BaseDelayMS == 0 {
		c.Retry.BaseDelayMS = 1000
	}
	if c.Retry.MaxDelayMS == 0 {
		c.Retry.MaxDelayMS = 10000
	}
	if c.Jobs.PollIntervalMS == 0 {
		c.Jobs.PollIntervalMS = 2000
	}
	if c.Jobs.BatchSize == 0 {
		c.Jobs.BatchSize = 10
	}
	if c.Jobs.MaxConcurrent == 0 {
		c.Jobs.MaxConcurrent = 4
	}
	if c.Jobs.RetentionDays == 0 {
		c.Jobs.RetentionDays = 30
	}
	if c.Jobs.WorkerAttempts == 0 {
		c.Jobs.WorkerAttempts = 2
	}
	if c.Jobs.WorkerRetryDelayMS == 0 {
		c.Jobs.WorkerRetryDelayMS = 1000
	}
	if c.Session.LeaseSeconds == 0 {
		c.Session.LeaseSeconds = 600
	}
	if c.Executor.Kind == "" {
		c.Executor.Kind = "local"
	}
	if c.Executor.TimeoutSeconds == 0 {
		c.Executor.TimeoutSeconds = 180
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (r Retry) BaseDelay() time.Duration { return ms(r.BaseDelayMS) }
func (r Retry) MaxDelay() time.Duration { return ms(r.MaxDelayMS) }
func (j Jobs) PollInterval() time.Duration { return ms(j.PollIntervalMS) }
func (j Jobs) WorkerRetryDelay() time.Duration { return ms(j.WorkerRetryDelayMS) }
func (s Session) Lease() time.Duration { return time.Duration(s.LeaseSeconds) * time.Second }
func (s Session) StepDelay() time.Duration { return ms(s.StepDelayMS) }
func (e Executor) Timeout() time.Duration { return time.Duration(e.TimeoutSeconds) * time.Second }

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "journeyline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset tuning
// values take their defaults.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `journeys:
  business_model_innovation:
    name: Business Model Innovation
    description: Find the root cause, then redesign the business model around it
    frameworks: [five_whys, bmc]
  market_entry:
    name: Market Entry
    description: Read the macro environment and competitive forces before entering a market
    frameworks: [pestle, porters, swot]
  competitive_strategy:
    name: Competitive Strategy
    description: Position against competitors and turn the result into a business model
    frameworks: [porters, swot, bmc]
  growth_strategy:
    name: Growth Strategy
    description: Choose a growth path grounded in market trends
    frameworks: [pestle, ansoff, bmc]
  blue_ocean:
    name: Blue Ocean
    description: Look for uncontested market space
    frameworks: [pestle, blue_ocean]
  crisis_recovery:
    name: Crisis Recovery
    description: Diagnose a downturn and set recovery priorities
    available: false
    frameworks: [five_whys, swot, bmc]

retry:
  max_retries: 3
  base_delay_ms: 1000
  max_delay_ms: 10000

jobs:
  poll_interval_ms: 2000
  batch_size: 10
  max_concurrent: 4
  retention_days: 30
  worker_attempts: 2
  worker_retry_delay_ms: 1000

session:
  lease_seconds: 600
  step_delay_ms: 100

executor:
  kind: local
  timeout_seconds: 180

database:
  max_open_conns: 8
  busy_timeout_ms: 5000

log:
  level: info
`
