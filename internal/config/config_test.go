package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	crawlerrors "github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/errors"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/render"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/ua"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeFile(t, "config.json", `{"endpoint": "opc.tcp://plc:4840"}`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10, *cfg.Retry.MaxRetry)
	assert.Equal(t, 2000, cfg.Retry.InitialDelayMs)
	assert.Equal(t, 10000, cfg.Retry.MaxDelayMs)
	assert.Equal(t, 20000, cfg.SessionTimeoutMs)
	assert.Equal(t, "i=85", cfg.RootNodeID)
	assert.Equal(t, 50, cfg.Crawl.ReadBatchSize)
	assert.Equal(t, 3, cfg.Crawl.ConcurrentWorkers)
	assert.Equal(t, "metrics.json", cfg.MetricsPath)
	assert.Equal(t, "txt", cfg.Format)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "log.txt", cfg.Output())
}

func TestLoadConfig_YAML(t *testing.T) {
	cfg, err := LoadConfig(writeFile(t, "config.yml", `
endpoint: opc.tcp://plc:4840
security_mode: Sign
security_policy: Basic256
user_name: operator
password: secret
session_timeout_ms: -1
format: parquet
retry:
  max_retry: 0
  initial_delay_ms: 100
  max_delay_ms: 400
crawl:
  max_depth: 4
  exclude_browse_names: ["^Diag"]
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	ep, err := cfg.SecuredEndpoint()
	require.NoError(t, err)
	assert.Equal(t, ua.Endpoint{
		URL:            "opc.tcp://plc:4840",
		SecurityMode:   ua.SecurityModeSign,
		SecurityPolicy: ua.SecurityPolicyBasic256,
	}, ep)

	policy := cfg.RetryPolicy()
	assert.Zero(t, policy.MaxAttempts, "explicit 0 keeps retrying forever")
	assert.Equal(t, 100*time.Millisecond, policy.InitialDelay)
	assert.Equal(t, 400*time.Millisecond, policy.MaxDelay)

	assert.Equal(t, ua.InfiniteTimeout, cfg.SessionTimeout())
	assert.Equal(t, render.FormatParquet, cfg.OutputFormat())
	assert.Equal(t, "log.parquet", cfg.Output())

	crawlCfg := cfg.CrawlerConfig()
	assert.Equal(t, 4, crawlCfg.MaxDepth)
	assert.Equal(t, []string{"^Diag"}, crawlCfg.ExcludeBrowseNames)

	id, err := cfg.Identity()
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, "operator", id.Username)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, crawlerrors.ErrConfig)

	_, err = LoadConfig(writeFile(t, "broken.json", `{"endpoint":`))
	assert.ErrorIs(t, err, crawlerrors.ErrConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing endpoint", func(c *Config) { c.Endpoint = "" }},
		{"not an opc url", func(c *Config) { c.Endpoint = "http://plc" }},
		{"bad security mode", func(c *Config) { c.SecurityMode = "Encrypt" }},
		{"bad security policy", func(c *Config) { c.SecurityPolicy = "Basic512" }},
		{"user without password", func(c *Config) { c.UserName = "operator" }},
		{"password without user", func(c *Config) { c.Password = "secret" }},
		{"bad format", func(c *Config) { c.Format = "xml" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"delay ceiling below start", func(c *Config) { c.Retry.MaxDelayMs = 1 }},
		{"negative retries", func(c *Config) { n := -1; c.Retry.MaxRetry = &n }},
		{"zero workers", func(c *Config) { c.Crawl.ConcurrentWorkers = 0 }},
		{"bad exclude pattern", func(c *Config) { c.Crawl.ExcludeBrowseNames = []string{"("} }},
		{"bad metrics address", func(c *Config) { c.MetricsAddr = "not an address" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Endpoint = "opc.tcp://plc:4840"
			require.NoError(t, cfg.Validate())

			tt.mutate(cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, crawlerrors.ErrConfig)
			assert.Equal(t, crawlerrors.ExitConfig, crawlerrors.ExitCode(err))
		})
	}
}

func TestSessionTimeout(t *testing.T) {
	tests := []struct {
		ms   int
		want time.Duration
	}{
		{ms: 20000, want: 20 * time.Second},
		{ms: -1, want: ua.InfiniteTimeout},
		{ms: -5000, want: ua.InfiniteTimeout},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.ms), func(t *testing.T) {
			cfg := Default()
			cfg.Endpoint = "opc.tcp://plc:4840"
			cfg.SessionTimeoutMs = tt.ms
			require.NoError(t, cfg.Validate())
			assert.Equal(t, tt.want, cfg.SessionTimeout())
		})
	}
}

func TestIdentity_Anonymous(t *testing.T) {
	cfg := Default()
	id, err := cfg.Identity()
	require.NoError(t, err)
	assert.Nil(t, id)

	cfg.UserName = "operator"
	_, err = cfg.Identity()
	assert.ErrorIs(t, err, crawlerrors.ErrInvalidIdentity)
	assert.ErrorIs(t, err, crawlerrors.ErrConfig)
}
