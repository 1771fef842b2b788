package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultListen        = "127.0.0.1:7397"
	DefaultHostCommand   = "jsendpraat-host"
	DefaultPendingLimit  = 32
	DefaultMailboxSize   = 64
	DefaultLogLevel      = "info"
	DefaultBufferRecords = 1000
	DefaultFlushCount    = 100
	DefaultFlushInterval = 5 * time.Second
	DefaultNotifyTimeout = 10 * time.Second
	DefaultNotifyRetries = 3
)

// Config represents a jsendpraat.yaml configuration file. Environment
// variables prefixed JSENDPRAAT_ override file values; CLI flags override
// both.
type Config struct {
	Listen         string        `yaml:"listen" env:"LISTEN"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	StatePath      string        `yaml:"state_path" env:"STATE_PATH"`
	PendingLimit   int           `yaml:"pending_limit" env:"PENDING_LIMIT"`
	MailboxSize    int           `yaml:"mailbox_size" env:"MAILBOX_SIZE"`
	Log            LogConfig     `yaml:"log" envPrefix:"LOG_"`
	Host           HostConfig    `yaml:"host" envPrefix:"HOST_"`
	Journal        JournalConfig `yaml:"journal" envPrefix:"JOURNAL_"`
	Notify         NotifyConfig  `yaml:"notify" envPrefix:"NOTIFY_"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
}

// HostConfig describes how to launch the native host.
type HostConfig struct {
	Command string   `yaml:"command" env:"COMMAND"`
	Args    []string `yaml:"args" env:"ARGS" envSeparator:" "`
	// RawFrames launches the host with --suppress-message-size.
	RawFrames     bool     `yaml:"raw_frames" env:"RAW_FRAMES"`
	MaxFrameBytes int      `yaml:"max_frame_bytes" env:"MAX_FRAME_BYTES"`
	Env           []string `yaml:"env" env:"ENV" envSeparator:","`
}

// JournalConfig holds traffic journal settings. An empty or "none"
// backend disables the journal.
type JournalConfig struct {
	Backend       string   `yaml:"backend" env:"BACKEND"`
	Path          string   `yaml:"path" env:"PATH"`
	Region        string   `yaml:"region" env:"REGION"`
	Endpoint      string   `yaml:"endpoint" env:"ENDPOINT"`
	S3PathStyle   bool     `yaml:"s3_path_style" env:"S3_PATH_STYLE"`
	FlushCount    int      `yaml:"flush_count" env:"FLUSH_COUNT"`
	FlushInterval Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferRecords int      `yaml:"buffer_records" env:"BUFFER_RECORDS"`
}

// NotifyConfig selects where lifecycle notices go.
type NotifyConfig struct {
	Type    string            `yaml:"type" env:"TYPE"`
	URL     string            `yaml:"url" env:"URL"`
	Channel string            `yaml:"channel,omitempty" env:"CHANNEL"`
	Headers map[string]string `yaml:"headers,omitempty" env:"HEADERS"`
	Timeout Duration          `yaml:"timeout,omitempty" env:"TIMEOUT"`
	Retries *int              `yaml:"retries,omitempty" env:"RETRIES"`
}

// Journal backends.
const (
	JournalNone = "none"
	JournalFS   = "fs"
	JournalS3   = "s3"
)

// Notifier types.
const (
	NotifyLog     = "log"
	NotifyWebhook = "webhook"
	NotifyRedis   = "redis"
)

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalText parses a duration from an environment variable.
func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// DefaultStatePath returns the installation state database path under the
// user config directory.
func DefaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "jsendpraat", "state.db")
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.StatePath == "" {
		c.StatePath = DefaultStatePath()
	}
	if c.PendingLimit == 0 {
		c.PendingLimit = DefaultPendingLimit
	}
	if c.MailboxSize == 0 {
		c.MailboxSize = DefaultMailboxSize
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Host.Command == "" {
		c.Host.Command = DefaultHostCommand
	}
	if c.Journal.Backend == "" {
		c.Journal.Backend = JournalNone
	}
	if c.Journal.BufferRecords == 0 {
		c.Journal.BufferRecords = DefaultBufferRecords
	}
	if c.Journal.FlushCount == 0 {
		c.Journal.FlushCount = DefaultFlushCount
	}
	if c.Journal.FlushInterval.Duration == 0 {
		c.Journal.FlushInterval.Duration = DefaultFlushInterval
	}
	if c.Notify.Type == "" {
		c.Notify.Type = NotifyLog
	}
	if c.Notify.Timeout.Duration == 0 {
		c.Notify.Timeout.Duration = DefaultNotifyTimeout
	}
	if c.Notify.Retries == nil {
		retries := DefaultNotifyRetries
		c.Notify.Retries = &retries
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.PendingLimit < 0 {
		errs = append(errs, errors.New("pending_limit must not be negative"))
	}
	if c.MailboxSize < 0 {
		errs = append(errs, errors.New("mailbox_size must not be negative"))
	}
	if c.Log.Level != "" {
		if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
			errs = append(errs, fmt.Errorf("log.level: %w", err))
		}
	}
	if c.Host.MaxFrameBytes < 0 {
		errs = append(errs, errors.New("host.max_frame_bytes must not be negative"))
	}
	for _, kv := range c.Host.Env {
		if !strings.Contains(kv, "=") {
			errs = append(errs, fmt.Errorf("host.env entry %q is not KEY=VALUE", kv))
		}
	}

	switch c.Journal.Backend {
	case "", JournalNone:
	case JournalFS, JournalS3:
		if c.Journal.Path == "" {
			errs = append(errs, fmt.Errorf("journal.path is required for the %s backend", c.Journal.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("journal.backend %q is not one of none, fs, s3", c.Journal.Backend))
	}
	if c.Journal.BufferRecords < 0 || c.Journal.FlushCount < 0 {
		errs = append(errs, errors.New("journal buffer sizes must not be negative"))
	}

	switch c.Notify.Type {
	case "", NotifyLog:
	case NotifyWebhook, NotifyRedis:
		if c.Notify.URL == "" {
			errs = append(errs, fmt.Errorf("notify.url is required for the %s notifier", c.Notify.Type))
		}
	default:
		errs = append(errs, fmt.Errorf("notify.type %q is not one of log, webhook, redis", c.Notify.Type))
	}
	if c.Notify.Retries != nil && *c.Notify.Retries < 0 {
		errs = append(errs, errors.New("notify.retries must not be negative"))
	}
	return errors.Join(errs...)
}
