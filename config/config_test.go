package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"AWS_REGION", "AWS_DEFAULT_REGION", "AWS_PROFILE",
		"PUSHKIN_ENDPOINT_URL", "PUSHKIN_DESCRIPTOR", "PUSHKIN_DOMAIN",
		"PUSHKIN_MAX_PARALLEL", "PUSHKIN_POLL_INTERVAL", "PUSHKIN_POLL_ATTEMPTS",
		"PUSHKIN_RETRY_TRIES", "PUSHKIN_RATE_LIMIT", "PUSHKIN_MIGRATE_CMD",
	} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), DefaultFile)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestFileThenEnvPrecedence(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
region = "eu-west-1"
domain = "study.example.org"
max_parallel = 3
poll_interval = "10s"
retry_initial = "250ms"
`)
	t.Setenv("AWS_REGION", "us-west-2")
	t.Setenv("PUSHKIN_POLL_ATTEMPTS", "12")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "us-west-2", cfg.Region)
	assert.Equal(t, "study.example.org", cfg.Domain)
	assert.Equal(t, int64(3), cfg.MaxParallel)
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryInitial)
	assert.Equal(t, 12, cfg.PollAttempts)
	assert.Equal(t, Defaults().RetryTries, cfg.RetryTries)
}

func TestFileErrors(t *testing.T) {
	clearEnv(t)

	_, err := Load(writeFile(t, `colour = "blue"`))
	assert.ErrorContains(t, err, `unknown key "colour"`)

	_, err = Load(writeFile(t, `poll_interval = "soon"`))
	assert.ErrorContains(t, err, "poll_interval")

	_, err = Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.ErrorContains(t, err, "config file")
}

func TestEnvParseErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("PUSHKIN_MAX_PARALLEL", "many")
	t.Setenv("PUSHKIN_POLL_INTERVAL", "3")

	_, err := ConfigFromEnv()
	assert.ErrorContains(t, err, "PUSHKIN_MAX_PARALLEL")
	assert.ErrorContains(t, err, "PUSHKIN_POLL_INTERVAL")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		err    string
	}{
		{"defaults", func(*Config) {}, ""},
		{"no descriptor", func(c *Config) { c.Descriptor = "" }, "descriptor"},
		{"no parallelism", func(c *Config) { c.MaxParallel = 0 }, "max parallel"},
		{"no polling", func(c *Config) { c.PollAttempts = 0 }, "poll"},
		{"no tries", func(c *Config) { c.RetryTries = 0 }, "retry"},
		{"no region", func(c *Config) { c.Region = "" }, "region"},
		{"simulator without region", func(c *Config) { c.Region = ""; c.EndpointURL = "http://localhost:4566" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Defaults()
			tt.mutate(&c)
			err := c.Validate()
			if tt.err == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.err)
		})
	}
}
