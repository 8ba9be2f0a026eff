package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/crawler"
	crawlerrors "github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/errors"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/render"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/retry"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/ua"
)

// Config holds all runtime configuration parameters
type Config struct {
	Endpoint         string `json:"endpoint" yaml:"endpoint" validate:"required,opcurl"`
	SecurityMode     string `json:"security_mode" yaml:"security_mode" validate:"secmode"`
	SecurityPolicy   string `json:"security_policy" yaml:"security_policy" validate:"secpolicy"`
	UserName         string `json:"user_name" yaml:"user_name" validate:"required_with=Password"`
	Password         string `json:"password" yaml:"password" validate:"required_with=UserName"`
	SessionTimeoutMs int    `json:"session_timeout_ms" yaml:"session_timeout_ms"` // negative = infinite
	RootNodeID       string `json:"root_node_id" yaml:"root_node_id" validate:"required"`
	Events           bool   `json:"events" yaml:"events"`

	Format      string `json:"format" yaml:"format" validate:"oneof=txt json yaml parquet"`
	OutputPath  string `json:"output_path" yaml:"output_path"`
	DBPath      string `json:"db_path" yaml:"db_path"`
	MetricsPath string `json:"metrics_path" yaml:"metrics_path"`
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr" validate:"omitempty,hostname_port"`
	LogLevel    string `json:"log_level" yaml:"log_level" validate:"oneof=trace debug info warn warning error"`

	Retry RetryConfig `json:"retry" yaml:"retry"`
	Crawl CrawlConfig `json:"crawl" yaml:"crawl"`
}

// RetryConfig is the connection strategy
type RetryConfig struct {
	MaxRetry       *int `json:"max_retry" yaml:"max_retry" validate:"omitempty,gte=0"` // 0 = unbounded
	InitialDelayMs int  `json:"initial_delay_ms" yaml:"initial_delay_ms" validate:"gte=1"`
	MaxDelayMs     int  `json:"max_delay_ms" yaml:"max_delay_ms" validate:"gtefield=InitialDelayMs"`
}

// CrawlConfig bounds the crawl
type CrawlConfig struct {
	ReadBatchSize        int      `json:"read_batch_size" yaml:"read_batch_size" validate:"gte=1"`
	ConcurrentWorkers    int      `json:"concurrent_workers" yaml:"concurrent_workers" validate:"gte=1"`
	MaxDepth             int      `json:"max_depth" yaml:"max_depth" validate:"gte=0"`
	MaxNodesPerNamespace int      `json:"max_nodes_per_namespace" yaml:"max_nodes_per_namespace" validate:"gte=0"`
	ExcludeBrowseNames   []string `json:"exclude_browse_names" yaml:"exclude_browse_names"`
	RequestsPerSecond    float64  `json:"requests_per_second" yaml:"requests_per_second" validate:"gte=0"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("opcurl", func(fl validator.FieldLevel) bool {
		return strings.HasPrefix(fl.Field().String(), "opc.tcp://")
	})
	_ = validate.RegisterValidation("secmode", func(fl validator.FieldLevel) bool {
		_, err := ua.ParseSecurityMode(fl.Field().String())
		return err == nil
	})
	_ = validate.RegisterValidation("secpolicy", func(fl validator.FieldLevel) bool {
		_, err := ua.ParseSecurityPolicy(fl.Field().String())
		return err == nil
	})
}

// LoadConfig reads a configuration file. Files ending in .yaml or .yml are
// parsed as YAML, anything else as JSON. Defaults are applied but the
// result is not validated, so flags can still fill in missing values
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, crawlerrors.Wrap(crawlerrors.ErrConfig, "load config", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, crawlerrors.Wrap(crawlerrors.ErrConfig, "parse config",
			fmt.Errorf("%s: %w", path, err))
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a configuration holding only defaults
func Default() *Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return &cfg
}

// ApplyDefaults sets default values for unspecified fields
func ApplyDefaults(cfg *Config) {
	policy := retry.DefaultPolicy()
	if cfg.Retry.MaxRetry == nil {
		n := policy.MaxAttempts
		cfg.Retry.MaxRetry = &n
	}
	if cfg.Retry.InitialDelayMs == 0 {
		cfg.Retry.InitialDelayMs = int(policy.InitialDelay / time.Millisecond)
	}
	if cfg.Retry.MaxDelayMs == 0 {
		cfg.Retry.MaxDelayMs = int(policy.MaxDelay / time.Millisecond)
	}
	if cfg.SessionTimeoutMs == 0 {
		cfg.SessionTimeoutMs = 20000
	}
	if cfg.RootNodeID == "" {
		cfg.RootNodeID = string(ua.ObjectsFolder)
	}
	if cfg.Crawl.ReadBatchSize == 0 {
		cfg.Crawl.ReadBatchSize = 50
	}
	if cfg.Crawl.ConcurrentWorkers == 0 {
		cfg.Crawl.ConcurrentWorkers = 3
	}
	if cfg.Format == "" {
		cfg.Format = string(render.FormatTXT)
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "metrics.json"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// Validate checks that required fields are present and values are sensible
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return crawlerrors.Wrap(crawlerrors.ErrConfig, "invalid configuration", err)
	}
	if _, err := crawler.NewFilter(c.Crawl.ExcludeBrowseNames); err != nil {
		return crawlerrors.Wrap(crawlerrors.ErrConfig, "invalid configuration", err)
	}
	return nil
}

// SecuredEndpoint returns the endpoint to connect to after the probe
func (c *Config) SecuredEndpoint() (ua.Endpoint, error) {
	mode, err := ua.ParseSecurityMode(c.SecurityMode)
	if err != nil {
		return ua.Endpoint{}, crawlerrors.Wrap(crawlerrors.ErrConfig, "security mode", err)
	}
	policy, err := ua.ParseSecurityPolicy(c.SecurityPolicy)
	if err != nil {
		return ua.Endpoint{}, crawlerrors.Wrap(crawlerrors.ErrConfig, "security policy", err)
	}
	return ua.Endpoint{
		URL:            c.Endpoint,
		SecurityMode:   mode,
		SecurityPolicy: policy,
	}, nil
}

// Identity returns the session identity, nil for anonymous
func (c *Config) Identity() (*ua.Identity, error) {
	id, err := ua.NewIdentity(c.UserName, c.Password)
	if err != nil {
		return nil, crawlerrors.Wrap(crawlerrors.ErrConfig, "identity", err)
	}
	return id, nil
}

// SessionTimeout converts the configured timeout; negative means infinite
func (c *Config) SessionTimeout() time.Duration {
	if c.SessionTimeoutMs < 0 {
		return ua.InfiniteTimeout
	}
	return time.Duration(c.SessionTimeoutMs) * time.Millisecond
}

// RetryPolicy converts the connection strategy
func (c *Config) RetryPolicy() retry.Policy {
	p := retry.Policy{
		InitialDelay: time.Duration(c.Retry.InitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(c.Retry.MaxDelayMs) * time.Millisecond,
	}
	if c.Retry.MaxRetry != nil {
		p.MaxAttempts = *c.Retry.MaxRetry
	}
	return p
}

// CrawlerConfig converts the crawl bounds
func (c *Config) CrawlerConfig() crawler.Config {
	return crawler.Config{
		ReadBatchSize:        c.Crawl.ReadBatchSize,
		ConcurrentWorkers:    c.Crawl.ConcurrentWorkers,
		MaxDepth:             c.Crawl.MaxDepth,
		MaxNodesPerNamespace: c.Crawl.MaxNodesPerNamespace,
		ExcludeBrowseNames:   c.Crawl.ExcludeBrowseNames,
		RequestsPerSecond:    c.Crawl.RequestsPerSecond,
	}
}

// OutputFormat returns the parsed snapshot format
func (c *Config) OutputFormat() render.Format {
	f, err := render.ParseFormat(c.Format)
	if err != nil {
		return render.FormatTXT
	}
	return f
}

// Output returns the snapshot path, log.<format> unless configured
func (c *Config) Output() string {
	if c.OutputPath != "" {
		return c.OutputPath
	}
	return c.OutputFormat().DefaultPath()
}
