package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. PSN_UPDATES_QUEUE_MAX_RETRIES
const EnvPrefix = "PSN_UPDATES"

// defaultConfigName is looked up in the working directory when no explicit
// config file is given
const defaultConfigName = "psn-update-fetcher"

// Config represents the entire application configuration
type Config struct {
	PSN      PSNConfig      `mapstructure:"psn"`
	Download DownloadConfig `mapstructure:"download"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
}

// PSNConfig contains update server settings
type PSNConfig struct {
	PS3BaseURL     string `mapstructure:"ps3_base_url"`
	PS4BaseURL     string `mapstructure:"ps4_base_url"`
	HMACKey        string `mapstructure:"hmac_key"`
	SkipTLSVerify  bool   `mapstructure:"skip_tls_verify"`
	RequestTimeout string `mapstructure:"request_timeout"`
}

// DownloadConfig contains download settings
type DownloadConfig struct {
	Destination      string `mapstructure:"destination"`
	BufferSizeMB     int    `mapstructure:"buffer_size_mb"`
	ProgressInterval string `mapstructure:"progress_interval"`
}

// QueueConfig contains download queue settings
type QueueConfig struct {
	ConcurrentDownloads int    `mapstructure:"concurrent_downloads"`
	MaxRetries          int    `mapstructure:"max_retries"`
	RetryBackoff        string `mapstructure:"retry_backoff"`
	PollInterval        string `mapstructure:"poll_interval"`
	StaleTaskTimeout    string `mapstructure:"stale_task_timeout"`
	FinishedTaskMaxAge  string `mapstructure:"finished_task_max_age"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig contains task ledger settings
type DatabaseConfig struct {
	// Path defaults to a file inside the download destination
	Path string `mapstructure:"path"`
}

// flagKeys maps command line flags to configuration keys
var flagKeys = map[string]string{
	"destination-path": "download.destination",
	"concurrency":      "queue.concurrent_downloads",
	"log-level":        "logging.level",
}

// Load loads configuration from defaults, an optional YAML file, the
// environment and the given flags, in increasing order of precedence.
// An empty configPath looks for psn-update-fetcher.yaml in the working
// directory and tolerates its absence.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName(defaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("psn.ps3_base_url", "https://a0.ww.np.dl.playstation.net")
	v.SetDefault("psn.ps4_base_url", "https://gs-sec.ww.np.dl.playstation.net")
	v.SetDefault("psn.hmac_key", "AD62E37F905E06BC19593142281C112CEC0E7EC3E97EFDCAEFCDBAAFA6378D84")
	v.SetDefault("psn.skip_tls_verify", true)
	v.SetDefault("psn.request_timeout", "30s")
	v.SetDefault("download.destination", "pkgs/")
	v.SetDefault("download.buffer_size_mb", 8)
	v.SetDefault("download.progress_interval", "10s")
	v.SetDefault("queue.concurrent_downloads", 3)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.retry_backoff", "30s")
	v.SetDefault("queue.poll_interval", "500ms")
	v.SetDefault("queue.stale_task_timeout", "30m")
	v.SetDefault("queue.finished_task_max_age", "168h")
	v.SetDefault("logging.level", "warn")
	v.SetDefault("logging.format", "text")
	v.SetDefault("database.path", "")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate PSN config
	for key, raw := range map[string]string{
		"psn.ps3_base_url": c.PSN.PS3BaseURL,
		"psn.ps4_base_url": c.PSN.PS4BaseURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute url", key)
		}
	}
	if key, err := hex.DecodeString(c.PSN.HMACKey); err != nil || len(key) == 0 {
		return fmt.Errorf("psn.hmac_key must be a non-empty hex string")
	}

	// Validate download config
	if c.Download.Destination == "" {
		return fmt.Errorf("download.destination is required")
	}
	if c.Download.BufferSizeMB <= 0 {
		return fmt.Errorf("download.buffer_size_mb must be positive")
	}

	// Validate queue config
	if c.Queue.ConcurrentDownloads < 1 || c.Queue.ConcurrentDownloads > 10 {
		return fmt.Errorf("queue.concurrent_downloads must be between 1 and 10")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative")
	}

	// Validate durations
	for key, raw := range map[string]string{
		"psn.request_timeout":         c.PSN.RequestTimeout,
		"download.progress_interval":  c.Download.ProgressInterval,
		"queue.retry_backoff":         c.Queue.RetryBackoff,
		"queue.poll_interval":         c.Queue.PollInterval,
		"queue.stale_task_timeout":    c.Queue.StaleTaskTimeout,
		"queue.finished_task_max_age": c.Queue.FinishedTaskMaxAge,
	} {
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}

	// Validate logging config
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
		// Valid formats
	default:
		return fmt.Errorf("invalid logging.format: %s", c.Logging.Format)
	}

	return nil
}

// GetRequestTimeout returns the manifest request timeout as time.Duration
func (c *PSNConfig) GetRequestTimeout() time.Duration {
	d, _ := time.ParseDuration(c.RequestTimeout)
	if d == 0 {
		return 30 * time.Second
	}
	return d
}

// GetBufferSize returns the buffer size in bytes
func (c *DownloadConfig) GetBufferSize() int {
	if c.BufferSizeMB <= 0 {
		return 8 * 1024 * 1024 // 8MB default
	}
	return c.BufferSizeMB * 1024 * 1024
}

// GetProgressInterval returns the progress log interval as time.Duration
func (c *DownloadConfig) GetProgressInterval() time.Duration {
	d, _ := time.ParseDuration(c.ProgressInterval)
	if d == 0 {
		return 10 * time.Second
	}
	return d
}

// GetRetryBackoff returns the delay before a failed task is retried
func (c *QueueConfig) GetRetryBackoff() time.Duration {
	d, _ := time.ParseDuration(c.RetryBackoff)
	return d
}

// GetPollInterval returns the idle worker poll interval as time.Duration
func (c *QueueConfig) GetPollInterval() time.Duration {
	d, _ := time.ParseDuration(c.PollInterval)
	if d == 0 {
		return 500 * time.Millisecond
	}
	return d
}

// GetStaleTaskTimeout returns the stale task timeout as time.Duration
func (c *QueueConfig) GetStaleTaskTimeout() time.Duration {
	d, _ := time.ParseDuration(c.StaleTaskTimeout)
	if d == 0 {
		return 30 * time.Minute
	}
	return d
}

// GetFinishedTaskMaxAge returns how long finished tasks stay in the history
func (c *QueueConfig) GetFinishedTaskMaxAge() time.Duration {
	d, _ := time.ParseDuration(c.FinishedTaskMaxAge)
	if d == 0 {
		return 7 * 24 * time.Hour
	}
	return d
}

// GetDatabasePath returns the task ledger path, defaulting to a file inside
// the download destination
func (c *Config) GetDatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.Download.Destination, ".tasks.db")
}
