package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type CommonHTTP struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

type SlackConfig struct {
	BaseURL  string     `yaml:"base_url"` // default https://slack.com/api
	Token    string     `yaml:"token"`    // bot token (xoxb-...)
	Channels []string   `yaml:"channels"` // channel ids to monitor
	HTTP     CommonHTTP `yaml:"http"`
	// HistoryLimit bounds each conversations.history page.
	HistoryLimit int `yaml:"history_limit"`
	// StatePath persists the poll watermark across restarts (optional).
	StatePath string `yaml:"state_path"`
	// Per-source rate limiting & retries
	RatePerSecond float64       `yaml:"rate_per_second"` // e.g. 1.0 = 1 req/sec
	Burst         int           `yaml:"burst"`
	MaxRetries    int           `yaml:"max_retries"`
	Backoff       time.Duration `yaml:"backoff"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
}

type DriveConfig struct {
	BaseURL  string     `yaml:"base_url"` // default https://www.googleapis.com/drive/v3
	Token    string     `yaml:"token"`    // OAuth bearer token
	Folder   string     `yaml:"folder"`   // optional parent folder id scope
	HTTP     CommonHTTP `yaml:"http"`
	PageSize int        `yaml:"page_size"` // default 1000

	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	MaxRetries    int           `yaml:"max_retries"`
	Backoff       time.Duration `yaml:"backoff"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
}

type SourceConfig struct {
	Type  string      `yaml:"type"` // "slack" | "drive"
	Slack SlackConfig `yaml:"slack"`
	Drive DriveConfig `yaml:"drive"`
}

// ExportFormat maps a virtual document subtype to a concrete export target.
type ExportFormat struct {
	MIME string `yaml:"mime"`
	Ext  string `yaml:"ext"`
}

type DownloadConfig struct {
	MaxBytes   int64                   `yaml:"max_bytes"`  // size ceiling, inclusive
	Extensions []string                `yaml:"extensions"` // allow-listed output extensions
	Exports    map[string]ExportFormat `yaml:"exports"`    // subtype -> export format
}

type TriggerConfig struct {
	SelfID   string   `yaml:"self_id"` // monitoring identity; overridden by sources that know it
	Command  string   `yaml:"command"` // reserved command token
	Keywords []string `yaml:"keywords"`
	Patterns []string `yaml:"patterns"` // regular expressions
}

type MetricsConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"` // e.g. ":9278"; empty = no HTTP endpoint
}

type Config struct {
	Interval    time.Duration  `yaml:"interval"`     // poll interval
	DownloadDir string         `yaml:"download_dir"` // local knowledge base root
	EventLog    string         `yaml:"event_log"`    // JSON record store path
	Catalog     string         `yaml:"catalog"`      // sqlite item catalog; empty disables
	Backlog     int            `yaml:"backlog"`      // startup look-back item count; 0 disables
	Download    DownloadConfig `yaml:"download"`
	Triggers    TriggerConfig  `yaml:"triggers"`
	Metrics     MetricsConfig  `yaml:"metrics"`
	Sources     []SourceConfig `yaml:"sources"`
}

// Defaults mirror the first deployment of the Slack/Drive monitors.
const (
	DefaultInterval = 30 * time.Second
	DefaultMaxBytes = 25 << 20
)

func DefaultExtensions() []string {
	return []string{".txt", ".pdf", ".docx", ".json", ".md", ".csv", ".xlsx", ".pptx"}
}

func DefaultExports() map[string]ExportFormat {
	return map[string]ExportFormat{
		"document":     {MIME: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", Ext: ".docx"},
		"spreadsheet":  {MIME: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", Ext: ".xlsx"},
		"presentation": {MIME: "application/vnd.openxmlformats-officedocument.presentationml.presentation", Ext: ".pptx"},
	}
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.DownloadDir == "" {
		c.DownloadDir = "knowledge_base"
	}
	if c.EventLog == "" {
		c.EventLog = c.DownloadDir + "/events.json"
	}
	if c.Download.MaxBytes <= 0 {
		c.Download.MaxBytes = DefaultMaxBytes
	}
	if len(c.Download.Extensions) == 0 {
		c.Download.Extensions = DefaultExtensions()
	}
	if len(c.Download.Exports) == 0 {
		c.Download.Exports = DefaultExports()
	}
	if c.Triggers.Command == "" {
		c.Triggers.Command = "/aisave"
	}
	if len(c.Triggers.Keywords) == 0 {
		c.Triggers.Keywords = []string{"save this", "important", "remember this", "@ai", "@bot"}
	}
	if len(c.Triggers.Patterns) == 0 {
		c.Triggers.Patterns = []string{`(?i)\btodo:`, `(?i)\bnote:`, `(?i)\breminder:`}
	}
}

func (c *Config) validate() error {
	if len(c.Sources) == 0 {
		return errors.New("no sources configured (need slack and/or drive)")
	}
	for i, sc := range c.Sources {
		switch sc.Type {
		case "slack":
			if strings.TrimSpace(sc.Slack.Token) == "" {
				return fmt.Errorf("sources[%d]: slack token is required", i)
			}
			if len(sc.Slack.Channels) == 0 {
				return fmt.Errorf("sources[%d]: slack needs at least one channel", i)
			}
		case "drive":
			if strings.TrimSpace(sc.Drive.Token) == "" {
				return fmt.Errorf("sources[%d]: drive token is required", i)
			}
		default:
			return fmt.Errorf("sources[%d]: unknown source type %q", i, sc.Type)
		}
	}
	for sub, ef := range c.Download.Exports {
		if ef.MIME == "" || !strings.HasPrefix(ef.Ext, ".") {
			return fmt.Errorf("exports[%s]: need mime and dot-prefixed ext", sub)
		}
	}
	for _, ext := range c.Download.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("extensions: %q must start with a dot", ext)
		}
	}
	return nil
}
