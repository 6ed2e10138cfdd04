package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file, expands environment variables and decodes
// it over Defaults. Unknown keys are rejected. The result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates config bytes.
func Parse(data []byte) (*Config, error) {
	expanded := ExpandEnv(string(data))

	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		if missing := MissingEnv(string(data)); len(missing) > 0 {
			return nil, fmt.Errorf("%w (unset environment: %s)", err, strings.Join(missing, ", "))
		}
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	if c.Recording.MaxDuration.Duration < time.Second {
		errs = append(errs, errors.New("recording.max_duration must be at least 1s"))
	}
	if c.Recording.HealthInterval.Duration <= 0 {
		errs = append(errs, errors.New("recording.health_interval must be positive"))
	}
	if c.Recording.SettleDelay.Duration < 0 {
		errs = append(errs, errors.New("recording.settle_delay must not be negative"))
	}
	if iv := c.Backup.Interval.Duration; iv < time.Second || iv%time.Second != 0 {
		errs = append(errs, errors.New("backup.interval must be a whole number of seconds"))
	}
	if c.Backup.Interval.Duration >= c.Recording.MaxDuration.Duration {
		errs = append(errs, errors.New("backup.interval must be shorter than recording.max_duration"))
	}
	if c.Store.Backend == "sqlite" && c.Store.ArchiveAudio {
		errs = append(errs, errors.New("store.archive_audio requires the lode backend"))
	}
	if c.Store.Backend == "lode" && c.Store.Lode == "s3" && strings.HasPrefix(c.Store.Path, "/") {
		errs = append(errs, errors.New("store.path must be bucket/prefix for s3"))
	}
	if c.Notify.Type == "redis" && c.Notify.Secret != "" {
		errs = append(errs, errors.New("notify.secret is only used by the webhook notifier"))
	}
	return errors.Join(errs...)
}
