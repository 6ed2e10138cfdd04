package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents a dictum.yaml configuration file.
// Flags given on the command line override the file.
type Config struct {
	Recording RecordingConfig `yaml:"recording"`
	Device    DeviceConfig    `yaml:"device"`
	Upload    UploadConfig    `yaml:"upload"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Backup    BackupConfig    `yaml:"backup"`
	Store     StoreConfig     `yaml:"store"`
	Notify    NotifyConfig    `yaml:"notify"`
	Log       LogConfig       `yaml:"log"`
}

// RecordingConfig bounds a capture session.
type RecordingConfig struct {
	MaxDuration    Duration `yaml:"max_duration"`
	HealthInterval Duration `yaml:"health_interval"`
	SettleDelay    Duration `yaml:"settle_delay"`
	MaxRetries     int      `yaml:"max_retries" validate:"gte=1,lte=10"`
	// Formats overrides the encoding preference order.
	Formats []string `yaml:"formats" validate:"dive,required"`
}

// DeviceConfig selects the ffmpeg capture input.
type DeviceConfig struct {
	Command          string  `yaml:"command" validate:"required"`
	InputFormat      string  `yaml:"input_format" validate:"required"`
	InputDevice      string  `yaml:"input_device" validate:"required"`
	SilenceThreshold float64 `yaml:"silence_threshold" validate:"gte=0,lte=1"`
}

// UploadConfig configures the transcription upload.
type UploadConfig struct {
	URL         string   `yaml:"url" validate:"required,url"`
	APIKey      string   `yaml:"api_key" validate:"required"`
	Timeout     Duration `yaml:"timeout"`
	Retries     int      `yaml:"retries" validate:"gte=0,lte=10"`
	BackoffBase Duration `yaml:"backoff_base"`
}

// WebhookConfig configures the summarization hand-off.
type WebhookConfig struct {
	URL              string            `yaml:"url" validate:"required,url"`
	Headers          map[string]string `yaml:"headers,omitempty"`
	Timeout          Duration          `yaml:"timeout"`
	TimeoutAsPending bool              `yaml:"timeout_as_pending"`
}

// BackupConfig configures snapshots and the on-disk spool.
type BackupConfig struct {
	Interval Duration `yaml:"interval"`
	// Dir is the spool directory. Empty keeps snapshots in memory only.
	Dir string `yaml:"dir"`
}

// StoreConfig selects the consultation store.
type StoreConfig struct {
	// Backend is lode (dataset, fs or s3) or sqlite.
	Backend string `yaml:"backend" validate:"oneof=lode sqlite"`
	Dataset string `yaml:"dataset"`
	// Lode is fs or s3 for the lode backend.
	Lode        string `yaml:"lode" validate:"omitempty,oneof=fs s3"`
	Path        string `yaml:"path" validate:"required"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint" validate:"omitempty,url"`
	S3PathStyle bool   `yaml:"s3_path_style"`
	// ArchiveAudio stores every delivered blob next to the dataset.
	ArchiveAudio   bool   `yaml:"archive_audio"`
	ArchiveBaseURL string `yaml:"archive_base_url" validate:"omitempty,url"`
}

// NotifyConfig configures outcome notifications.
type NotifyConfig struct {
	// Type is redis or webhook; empty disables notifications.
	Type      string            `yaml:"type" validate:"omitempty,oneof=redis webhook"`
	URL       string            `yaml:"url" validate:"required_with=Type"`
	Channel   string            `yaml:"channel,omitempty"`
	KeyPrefix string            `yaml:"key_prefix,omitempty"`
	KeyTTL    Duration          `yaml:"key_ttl,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	Secret    string            `yaml:"secret,omitempty"`
	Timeout   Duration          `yaml:"timeout,omitempty"`
	Retries   *int              `yaml:"retries,omitempty" validate:"omitempty,gte=0"`
}

// LogConfig configures log output.
type LogConfig struct {
	// File enables rotated file output in addition to stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"gte=0"`
}

// Defaults returns the configuration used for keys the file leaves out.
func Defaults() *Config {
	return &Config{
		Recording: RecordingConfig{
			MaxDuration:    Duration{30 * time.Minute},
			HealthInterval: Duration{5 * time.Second},
			SettleDelay:    Duration{time.Second},
			MaxRetries:     3,
		},
		Device: DeviceConfig{
			Command:          "ffmpeg",
			InputFormat:      "pulse",
			InputDevice:      "default",
			SilenceThreshold: 0.01,
		},
		Upload: UploadConfig{
			URL:         "https://api.assemblyai.com/v2/upload",
			Timeout:     Duration{60 * time.Second},
			Retries:     2,
			BackoffBase: Duration{time.Second},
		},
		Webhook: WebhookConfig{
			Timeout:          Duration{120 * time.Second},
			TimeoutAsPending: true,
		},
		Backup: BackupConfig{
			Interval: Duration{30 * time.Second},
		},
		Store: StoreConfig{
			Backend: "lode",
			Dataset: "dictum",
			Lode:    "fs",
			Path:    "./dictum-data",
		},
		Log: LogConfig{
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration in Go syntax.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}
