// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Site    SiteConfig    `mapstructure:"site"`
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	Paths   PathsConfig   `mapstructure:"paths"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// SiteConfig identifies the target site.
type SiteConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	UserAgent string `mapstructure:"user_agent"`
}

// CrawlConfig governs scheduler and fetch behavior.
type CrawlConfig struct {
	Workers                int     `mapstructure:"workers"`
	DelaySeconds           float64 `mapstructure:"delay_seconds"`
	TimeoutSeconds         int     `mapstructure:"timeout_seconds"`
	MaxRetries             int     `mapstructure:"max_retries"`
	MaxConsecutiveFailures int     `mapstructure:"max_consecutive_failures"`
	MaxFetchesPerItem      int     `mapstructure:"max_fetches_per_item"`
	NominalFirstSeq        int     `mapstructure:"nominal_first_seq"`
	FlushEvery             int     `mapstructure:"flush_every"`
	ChallengeWaitSeconds   int     `mapstructure:"challenge_wait_seconds"`
	ChallengePollSeconds   int     `mapstructure:"challenge_poll_seconds"`
}

// PathsConfig sets where crawl state lives on disk.
type PathsConfig struct {
	UnitRoot   string `mapstructure:"unit_root"`
	LedgerFile string `mapstructure:"ledger_file"`
	ReportDir  string `mapstructure:"report_dir"`
}

// ArchiveConfig controls container packing.
type ArchiveConfig struct {
	Dir              string `mapstructure:"dir"`
	MaxContainerSize int64  `mapstructure:"max_container_size"`
}

// MonitorConfig controls the status HTTP server. An empty Addr disables it.
type MonitorConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig selects the zap encoder and minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BOOKCRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("site.base_url", "https://shamela.ws")
	v.SetDefault("site.user_agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36")
	v.SetDefault("crawl.workers", 4)
	v.SetDefault("crawl.delay_seconds", 1.5)
	v.SetDefault("crawl.timeout_seconds", 30)
	v.SetDefault("crawl.max_retries", 3)
	v.SetDefault("crawl.max_consecutive_failures", 3)
	v.SetDefault("crawl.max_fetches_per_item", 10000)
	v.SetDefault("crawl.nominal_first_seq", 1)
	v.SetDefault("crawl.flush_every", 10)
	v.SetDefault("crawl.challenge_wait_seconds", 150)
	v.SetDefault("crawl.challenge_poll_seconds", 2)
	v.SetDefault("paths.unit_root", "data/raw/books")
	v.SetDefault("paths.ledger_file", "data/raw/crawl_progress.json")
	v.SetDefault("paths.report_dir", "data/reports")
	v.SetDefault("archive.dir", "data/archive")
	v.SetDefault("archive.max_container_size", int64(1)<<30)
	v.SetDefault("monitor.addr", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits. Bad paths and a
// zero worker count are process-fatal by policy.
func (c Config) Validate() error {
	if c.Site.BaseURL == "" {
		return fmt.Errorf("site.base_url must be set")
	}
	if c.Crawl.Workers <= 0 {
		return fmt.Errorf("crawl.workers must be > 0")
	}
	if c.Crawl.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawl.timeout_seconds must be > 0")
	}
	if c.Crawl.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("crawl.max_consecutive_failures must be > 0")
	}
	if strings.TrimSpace(c.Paths.UnitRoot) == "" {
		return fmt.Errorf("paths.unit_root must be set")
	}
	if strings.TrimSpace(c.Paths.LedgerFile) == "" {
		return fmt.Errorf("paths.ledger_file must be set")
	}
	if c.Archive.MaxContainerSize <= 0 {
		return fmt.Errorf("archive.max_container_size must be > 0")
	}
	return nil
}

// Delay converts the configured inter-request delay into a Duration.
func (c Config) Delay() time.Duration {
	return time.Duration(c.Crawl.DelaySeconds * float64(time.Second))
}

// Timeout converts the per-request timeout into a Duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.Crawl.TimeoutSeconds) * time.Second
}

// ChallengeWait is the bounded wait for external challenge resolution.
func (c Config) ChallengeWait() time.Duration {
	return time.Duration(c.Crawl.ChallengeWaitSeconds) * time.Second
}

// ChallengePoll is the re-fetch interval while waiting out a challenge.
func (c Config) ChallengePoll() time.Duration {
	return time.Duration(c.Crawl.ChallengePollSeconds) * time.Second
}
