package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvAPIKey is the environment variable holding the NVD API key.
const EnvAPIKey = "NVD_API_KEY"

// MaxPageSize is the largest resultsPerPage the NVD CVE API serves.
const MaxPageSize = 2000

type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	NVD       NVDConfig       `mapstructure:"nvd"`
	Reference ReferenceConfig `mapstructure:"reference"`
	Store     StoreConfig     `mapstructure:"store"`
	Enrich    EnrichConfig    `mapstructure:"enrich"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

type NVDConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	PageSize   int           `mapstructure:"page_size"`
	Retries    int           `mapstructure:"retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	Timeout    time.Duration `mapstructure:"timeout"`
	// MaxWindow is the widest lastMod range the API accepts in one query.
	MaxWindow time.Duration `mapstructure:"max_window"`
	// InitialLookback is used when no checkpoint file exists yet.
	InitialLookback time.Duration `mapstructure:"initial_lookback"`
}

type ReferenceConfig struct {
	Dir           string `mapstructure:"dir"`
	CWEFile       string `mapstructure:"cwe_file"`
	CAPECFile     string `mapstructure:"capec_file"`
	TechniqueFile string `mapstructure:"technique_file"`
}

type StoreConfig struct {
	Dir            string `mapstructure:"dir"`
	LatestFile     string `mapstructure:"latest_file"`
	CheckpointFile string `mapstructure:"checkpoint_file"`
	LedgerFile     string `mapstructure:"ledger_file"`
}

type EnrichConfig struct {
	Workers int `mapstructure:"workers"`
}

// CWEPath, CAPECPath and TechniquePath resolve the reference snapshot files.
func (r ReferenceConfig) CWEPath() string       { return filepath.Join(r.Dir, r.CWEFile) }
func (r ReferenceConfig) CAPECPath() string     { return filepath.Join(r.Dir, r.CAPECFile) }
func (r ReferenceConfig) TechniquePath() string { return filepath.Join(r.Dir, r.TechniqueFile) }

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.file", "")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)
	v.SetDefault("logger.compress", false)

	v.SetDefault("nvd.base_url", "https://services.nvd.nist.gov/rest/json/cves/2.0/")
	v.SetDefault("nvd.api_key", "")
	v.SetDefault("nvd.page_size", MaxPageSize)
	v.SetDefault("nvd.retries", 3)
	v.SetDefault("nvd.retry_delay", "6s")
	v.SetDefault("nvd.timeout", "60s")
	v.SetDefault("nvd.max_window", "2880h")
	v.SetDefault("nvd.initial_lookback", "24h")

	v.SetDefault("reference.dir", "resources")
	v.SetDefault("reference.cwe_file", "cwe_db.json")
	v.SetDefault("reference.capec_file", "capec_db.json")
	v.SetDefault("reference.technique_file", "techniques_db.json")

	v.SetDefault("store.dir", "database")
	v.SetDefault("store.latest_file", "results/new_cves.jsonl")
	v.SetDefault("store.checkpoint_file", "lastUpdate.txt")
	v.SetDefault("store.ledger_file", "database/runs.db")

	v.SetDefault("enrich.workers", 10)
}

// NewDefaultConfig returns a configuration holding only the defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper decodes, expands and validates the configuration held by v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	if err := v.BindEnv("nvd.api_key", EnvAPIKey); err != nil {
		return nil, fmt.Errorf("binding %s: %w", EnvAPIKey, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.Logger.File,
		&c.Reference.Dir,
		&c.Store.Dir,
		&c.Store.LatestFile,
		&c.Store.CheckpointFile,
		&c.Store.LedgerFile,
	} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expanding path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for sane values.
func (c *Config) Validate() error {
	if c.NVD.BaseURL == "" {
		return fmt.Errorf("nvd.base_url is required")
	}
	if c.NVD.PageSize <= 0 || c.NVD.PageSize > MaxPageSize {
		return fmt.Errorf("nvd.page_size must be between 1 and %d", MaxPageSize)
	}
	if c.NVD.Retries <= 0 {
		return fmt.Errorf("nvd.retries must be a positive integer")
	}
	if c.NVD.RetryDelay < 0 {
		return fmt.Errorf("nvd.retry_delay must not be negative")
	}
	if c.NVD.MaxWindow <= 0 {
		return fmt.Errorf("nvd.max_window must be a positive duration")
	}
	if c.Enrich.Workers <= 0 {
		return fmt.Errorf("enrich.workers must be a positive integer")
	}
	if c.Store.Dir == "" {
		return fmt.Errorf("store.dir is required")
	}
	return nil
}
