// Package config assembles the deployer's settings from defaults, an
// optional TOML file, and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"

	"github.com/pushkin/deployer/compose"
	"github.com/pushkin/deployer/state"
)

// DefaultFile is the optional settings file read from the project root.
const DefaultFile = "pushkin-aws.toml"

// Config holds deployer configuration.
type Config struct {
	Region         string        `toml:"region"`
	Profile        string        `toml:"profile"`
	EndpointURL    string        `toml:"endpoint_url"` // custom endpoint URL for simulator mode
	Descriptor     string        `toml:"descriptor"`
	ComposeFile    string        `toml:"compose_file"`
	SiteDir        string        `toml:"site_dir"`
	APIDir         string        `toml:"api_dir"`
	Domain         string        `toml:"domain"`
	DesiredCount   int           `toml:"desired_count"`
	MaxParallel    int64         `toml:"max_parallel"`
	PollInterval   time.Duration `toml:"poll_interval"`
	PollAttempts   int           `toml:"poll_attempts"`
	RetryInitial   time.Duration `toml:"retry_initial"`
	RetryTries     uint          `toml:"retry_tries"`
	RateLimit      float64       `toml:"rate_limit"` // control-plane calls per second, 0 disables
	RateBurst      int           `toml:"rate_burst"`
	MetricsPushURL string        `toml:"metrics_push_url"`
	MigrateCmd     string        `toml:"migrate_cmd"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Region:       "us-east-1",
		Descriptor:   state.DefaultPath,
		ComposeFile:  compose.DefaultPath,
		SiteDir:      "pushkin/front-end/build",
		APIDir:       "pushkin/api",
		DesiredCount: 1,
		MaxParallel:  8,
		PollInterval: 3 * time.Second,
		PollAttempts: 400,
		RetryInitial: 500 * time.Millisecond,
		RetryTries:   5,
		RateLimit:    10,
		RateBurst:    5,
	}
}

// ConfigFromEnv loads configuration from environment variables. Unset
// variables leave their fields zero.
func ConfigFromEnv() (Config, error) {
	c := Config{
		Region:         firstEnv("AWS_REGION", "AWS_DEFAULT_REGION"),
		Profile:        os.Getenv("AWS_PROFILE"),
		EndpointURL:    os.Getenv("PUSHKIN_ENDPOINT_URL"),
		Descriptor:     os.Getenv("PUSHKIN_DESCRIPTOR"),
		ComposeFile:    os.Getenv("PUSHKIN_COMPOSE_FILE"),
		SiteDir:        os.Getenv("PUSHKIN_SITE_DIR"),
		APIDir:         os.Getenv("PUSHKIN_API_DIR"),
		Domain:         os.Getenv("PUSHKIN_DOMAIN"),
		MetricsPushURL: os.Getenv("PUSHKIN_METRICS_PUSH_URL"),
		MigrateCmd:     os.Getenv("PUSHKIN_MIGRATE_CMD"),
	}
	var errs []error
	parse := func(key string, fn func(string) error) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if err := fn(v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}
	parse("PUSHKIN_DESIRED_COUNT", func(v string) (err error) { c.DesiredCount, err = strconv.Atoi(v); return })
	parse("PUSHKIN_MAX_PARALLEL", func(v string) (err error) { c.MaxParallel, err = strconv.ParseInt(v, 10, 64); return })
	parse("PUSHKIN_POLL_INTERVAL", func(v string) (err error) { c.PollInterval, err = time.ParseDuration(v); return })
	parse("PUSHKIN_POLL_ATTEMPTS", func(v string) (err error) { c.PollAttempts, err = strconv.Atoi(v); return })
	parse("PUSHKIN_RETRY_INITIAL", func(v string) (err error) { c.RetryInitial, err = time.ParseDuration(v); return })
	parse("PUSHKIN_RETRY_TRIES", func(v string) error {
		n, err := strconv.ParseUint(v, 10, 32)
		c.RetryTries = uint(n)
		return err
	})
	parse("PUSHKIN_RATE_LIMIT", func(v string) (err error) { c.RateLimit, err = strconv.ParseFloat(v, 64); return })
	parse("PUSHKIN_RATE_BURST", func(v string) (err error) { c.RateBurst, err = strconv.Atoi(v); return })
	return c, errors.Join(errs...)
}

// fileConfig mirrors Config with durations spelled as strings ("3s").
type fileConfig struct {
	Config
	PollInterval string `toml:"poll_interval"`
	RetryInitial string `toml:"retry_initial"`
}

// ParseFile reads a TOML settings file.
func ParseFile(path string) (Config, error) {
	var fc fileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("parse %s: unknown key %q", path, undecoded[0].String())
	}
	c := fc.Config
	if fc.PollInterval != "" {
		if c.PollInterval, err = time.ParseDuration(fc.PollInterval); err != nil {
			return Config{}, fmt.Errorf("parse %s: poll_interval: %w", path, err)
		}
	}
	if fc.RetryInitial != "" {
		if c.RetryInitial, err = time.ParseDuration(fc.RetryInitial); err != nil {
			return Config{}, fmt.Errorf("parse %s: retry_initial: %w", path, err)
		}
	}
	return c, nil
}

// Load layers the defaults, the file at path when it exists, and the
// environment. An empty path means DefaultFile.
func Load(path string) (Config, error) {
	cfg := Defaults()
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	if _, err := os.Stat(path); err == nil {
		fc, err := ParseFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := mergo.Merge(&cfg, fc, mergo.WithOverride); err != nil {
			return Config{}, fmt.Errorf("merge %s: %w", path, err)
		}
	} else if explicit {
		return Config{}, fmt.Errorf("config file: %w", err)
	}

	env, err := ConfigFromEnv()
	if err != nil {
		return Config{}, err
	}
	if err := mergo.Merge(&cfg, env, mergo.WithOverride); err != nil {
		return Config{}, fmt.Errorf("merge environment: %w", err)
	}
	return cfg, nil
}

// Simulated reports whether requests go to a custom endpoint instead of AWS.
func (c Config) Simulated() bool { return c.EndpointURL != "" }

// Validate checks required configuration.
func (c Config) Validate() error {
	if c.Descriptor == "" {
		return fmt.Errorf("descriptor path is required")
	}
	if c.MaxParallel < 1 {
		return fmt.Errorf("max parallel must be at least 1, got %d", c.MaxParallel)
	}
	if c.PollInterval <= 0 || c.PollAttempts < 1 {
		return fmt.Errorf("poll interval and attempts must be positive")
	}
	if c.RetryTries < 1 {
		return fmt.Errorf("retry tries must be at least 1")
	}
	if c.DesiredCount < 0 {
		return fmt.Errorf("desired count must not be negative")
	}
	if c.Simulated() {
		return nil // simulator mode: skip account checks
	}
	if c.Region == "" {
		return fmt.Errorf("AWS region is required")
	}
	return nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
