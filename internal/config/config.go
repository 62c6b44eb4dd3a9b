// Package config loads the cache proxy's configuration from defaults,
// an optional config file, and environment variable overrides, the way
// the pack's cobra-based tools use spf13/viper to layer configuration
// sources.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable override, so
// e.g. listen_port is overridden by MEDIACACHE_LISTEN_PORT.
const EnvPrefix = "MEDIACACHE"

// Config is the fully resolved, typed configuration for the proxy.
type Config struct {
	ListenPort    int    `mapstructure:"listen_port"`
	CacheRoot     string `mapstructure:"cache_root"`
	RetryCount    int    `mapstructure:"retry_count"`
	RetryBackoff  []int  `mapstructure:"retry_backoff_ms"`
	ConnectTimeout int64 `mapstructure:"connect_timeout_ms"`
	ReadTimeout    int64 `mapstructure:"read_timeout_ms"`
	MinFetchBytes  int64 `mapstructure:"min_fetch_bytes"`

	// PrefetchAhead enables fetching the plan's next ORIGIN segment
	// while the current one still streams.
	PrefetchAhead bool `mapstructure:"prefetch_ahead"`
	// OriginRequestsPerSecond rate-limits origin fetches per host;
	// zero disables limiting.
	OriginRequestsPerSecond float64 `mapstructure:"origin_requests_per_second"`

	// EnableDebugEndpoints gates the /debug/cache/* introspection and
	// clear endpoints, off by default since clear is destructive.
	EnableDebugEndpoints bool   `mapstructure:"enable_debug_endpoints"`
	LogLevel             string `mapstructure:"log_level"`
	LogJSON              bool   `mapstructure:"log_json"`
}

// ConnectTimeoutDuration returns ConnectTimeout as a time.Duration.
func (c *Config) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Millisecond
}

// ReadTimeoutDuration returns ReadTimeout as a time.Duration.
func (c *Config) ReadTimeoutDuration() time.Duration {
	return time.Duration(c.ReadTimeout) * time.Millisecond
}

// BackoffSchedule returns RetryBackoff as time.Durations.
func (c *Config) BackoffSchedule() []time.Duration {
	out := make([]time.Duration, len(c.RetryBackoff))
	for i, ms := range c.RetryBackoff {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_port", 8080)
	v.SetDefault("cache_root", "./cache")
	v.SetDefault("retry_count", 3)
	v.SetDefault("retry_backoff_ms", []int{500, 1000, 2000})
	v.SetDefault("connect_timeout_ms", 30000)
	v.SetDefault("read_timeout_ms", 30000)
	v.SetDefault("min_fetch_bytes", 8192)
	v.SetDefault("prefetch_ahead", true)
	v.SetDefault("origin_requests_per_second", 0)
	v.SetDefault("enable_debug_endpoints", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// Load builds a Config from defaults, an optional file at path (ignored
// if empty or missing), and MEDIACACHE_-prefixed environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, errors.Wrapf(err, "reading config file %s", path)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decoding configuration")
	}
	return &cfg, nil
}
