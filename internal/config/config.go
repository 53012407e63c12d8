// Package config defines the typed runtime configuration and its loader.
// Values resolve in precedence order: explicit flags, environment variables
// (TRAFFICD_ prefix), the config file, then built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Operating modes. Production tightens migration handling and logging.
const (
	ModeDev        = "dev"
	ModeProduction = "production"
)

// LogConfig controls logger outputs and rotation.
type LogConfig struct {
	Level         string `mapstructure:"level" json:"level"`
	EnableFile    bool   `mapstructure:"enable_file" json:"enable_file"`
	EnableConsole bool   `mapstructure:"enable_console" json:"enable_console"`
	Filename      string `mapstructure:"filename" json:"filename"`
	LogDir        string `mapstructure:"log_dir" json:"log_dir"`
	MaxSize       int    `mapstructure:"max_size" json:"max_size"`
	MaxBackups    int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAge        int    `mapstructure:"max_age" json:"max_age"`
	Compress      bool   `mapstructure:"compress" json:"compress"`
	JSONFormat    bool   `mapstructure:"json_format" json:"json_format"`
}

// CaptureConfig covers the interception and raw-capture surface.
type CaptureConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`

	MitmProxy struct {
		Port int `mapstructure:"port" json:"port"`
	} `mapstructure:"mitmproxy" json:"mitmproxy"`

	Pcap struct {
		OutputDir    string `mapstructure:"output_dir" json:"output_dir"`
		BufferSizeMB int    `mapstructure:"buffer_size_mb" json:"buffer_size_mb"`
	} `mapstructure:"pcap" json:"pcap"`

	Tcpdump struct {
		Enabled   bool   `mapstructure:"enabled" json:"enabled"`
		Interface string `mapstructure:"interface" json:"interface"`
		Filter    string `mapstructure:"filter" json:"filter"`
	} `mapstructure:"tcpdump" json:"tcpdump"`

	Hostapd struct {
		Enabled    bool   `mapstructure:"enabled" json:"enabled"`
		ConfigPath string `mapstructure:"config_path" json:"config_path"`
	} `mapstructure:"hostapd" json:"hostapd"`

	Session struct {
		TimeoutSeconds int `mapstructure:"timeout_seconds" json:"timeout_seconds"`
	} `mapstructure:"session" json:"session"`
}

// AnalysisConfig controls the analyzer set and the orchestrator limits.
type AnalysisConfig struct {
	HTTPEnabled    bool `mapstructure:"http_enabled" json:"http_enabled"`
	PassiveEnabled bool `mapstructure:"passive_enabled" json:"passive_enabled"`
	TLSEnabled     bool `mapstructure:"tls_enabled" json:"tls_enabled"`
	DNSEnabled     bool `mapstructure:"dns_enabled" json:"dns_enabled"`

	MaxAnalysisTimeMS     int `mapstructure:"max_analysis_time_ms" json:"max_analysis_time_ms"`
	MaxConcurrentAnalyses int `mapstructure:"max_concurrent_analyses" json:"max_concurrent_analyses"`

	Cache struct {
		Enabled    bool `mapstructure:"enabled" json:"enabled"`
		MaxSize    int  `mapstructure:"max_size" json:"max_size"`
		TTLSeconds int  `mapstructure:"ttl_seconds" json:"ttl_seconds"`
	} `mapstructure:"cache" json:"cache"`

	PcapPollInterval time.Duration `mapstructure:"pcap_poll_interval" json:"pcap_poll_interval"`
}

// DatabaseConfig covers the sqlite store.
type DatabaseConfig struct {
	Path        string `mapstructure:"path" json:"path"`
	PoolSize    int    `mapstructure:"pool_size" json:"pool_size"`
	MaxOverflow int    `mapstructure:"max_overflow" json:"max_overflow"`
}

// APIConfig covers the read-side HTTP surface and the live event stream.
// AdminUsername/AdminPassword seed the administrator account on a fresh
// store; without them the user table starts empty.
type APIConfig struct {
	Listen        string `mapstructure:"listen" json:"listen"`
	JWTSecret     string `mapstructure:"jwt_secret" json:"jwt_secret"`
	AdminUsername string `mapstructure:"admin_username" json:"admin_username"`
	AdminPassword string `mapstructure:"admin_password" json:"admin_password"`
}

// Config is the full daemon configuration.
type Config struct {
	Mode     string         `mapstructure:"mode" json:"mode"`
	DataDir  string         `mapstructure:"data_dir" json:"data_dir"`
	Logging  LogConfig      `mapstructure:"logging" json:"logging"`
	Capture  CaptureConfig  `mapstructure:"capture" json:"capture"`
	Analysis AnalysisConfig `mapstructure:"analysis" json:"analysis"`
	Database DatabaseConfig `mapstructure:"database" json:"database"`
	API      APIConfig      `mapstructure:"api" json:"api"`

	DiskWatermarkPercent int `mapstructure:"disk_watermark_percent" json:"disk_watermark_percent"`
}

// SessionTimeout returns the inactivity timeout as a duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Capture.Session.TimeoutSeconds) * time.Second
}

// AnalysisDeadline returns the soft per-flow analysis budget.
func (c *Config) AnalysisDeadline() time.Duration {
	return time.Duration(c.Analysis.MaxAnalysisTimeMS) * time.Millisecond
}

// CacheTTL returns the analysis cache entry lifetime.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Analysis.Cache.TTLSeconds) * time.Second
}

// IsProduction reports whether the daemon runs with production semantics.
func (c *Config) IsProduction() bool { return c.Mode == ModeProduction }

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeDev)
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("disk_watermark_percent", 90)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.enable_file", true)
	v.SetDefault("logging.enable_console", true)
	v.SetDefault("logging.filename", "trafficd.log")
	v.SetDefault("logging.max_size", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age", 30)
	v.SetDefault("logging.compress", true)
	v.SetDefault("logging.json_format", false)

	v.SetDefault("capture.enabled", true)
	v.SetDefault("capture.mitmproxy.port", 8080)
	v.SetDefault("capture.pcap.output_dir", "")
	v.SetDefault("capture.pcap.buffer_size_mb", 1)
	v.SetDefault("capture.tcpdump.enabled", false)
	v.SetDefault("capture.tcpdump.interface", "wlan0")
	v.SetDefault("capture.tcpdump.filter", "udp or port 53")
	v.SetDefault("capture.hostapd.enabled", false)
	v.SetDefault("capture.hostapd.config_path", "")
	v.SetDefault("capture.session.timeout_seconds", 1800)

	v.SetDefault("analysis.http_enabled", true)
	v.SetDefault("analysis.passive_enabled", true)
	v.SetDefault("analysis.tls_enabled", true)
	v.SetDefault("analysis.dns_enabled", true)
	v.SetDefault("analysis.max_analysis_time_ms", 5000)
	v.SetDefault("analysis.max_concurrent_analyses", 10)
	v.SetDefault("analysis.cache.enabled", true)
	v.SetDefault("analysis.cache.max_size", 1000)
	v.SetDefault("analysis.cache.ttl_seconds", 3600)
	v.SetDefault("analysis.pcap_poll_interval", 10*time.Second)

	v.SetDefault("database.path", "")
	v.SetDefault("database.pool_size", 5)
	v.SetDefault("database.max_overflow", 10)

	v.SetDefault("api.listen", "127.0.0.1:8443")
	v.SetDefault("api.jwt_secret", "")
	v.SetDefault("api.admin_username", "")
	v.SetDefault("api.admin_password", "")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".trafficd"
	}
	return filepath.Join(home, ".trafficd")
}

// Load reads configuration from the optional file path, the environment and
// the defaults, then resolves derived paths.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TRAFFICD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration without touching the
// filesystem or environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("default config unmarshal: %v", err))
	}
	cfg.applyDerived()
	return &cfg
}

// applyDerived fills path fields that default relative to the data dir.
func (c *Config) applyDerived() {
	if c.Capture.Pcap.OutputDir == "" {
		c.Capture.Pcap.OutputDir = filepath.Join(c.DataDir, "pcap")
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "trafficd.db")
	}
	if c.Logging.LogDir == "" {
		c.Logging.LogDir = filepath.Join(c.DataDir, "logs")
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Mode != ModeDev && c.Mode != ModeProduction {
		return fmt.Errorf("mode must be %q or %q, got %q", ModeDev, ModeProduction, c.Mode)
	}
	if p := c.Capture.MitmProxy.Port; p < 1 || p > 65535 {
		return fmt.Errorf("capture.mitmproxy.port out of range: %d", p)
	}
	if c.Capture.Pcap.BufferSizeMB < 1 {
		return fmt.Errorf("capture.pcap.buffer_size_mb must be at least 1, got %d", c.Capture.Pcap.BufferSizeMB)
	}
	if c.Capture.Session.TimeoutSeconds < 1 {
		return fmt.Errorf("capture.session.timeout_seconds must be positive, got %d", c.Capture.Session.TimeoutSeconds)
	}
	if c.Analysis.MaxConcurrentAnalyses < 1 {
		return fmt.Errorf("analysis.max_concurrent_analyses must be positive, got %d", c.Analysis.MaxConcurrentAnalyses)
	}
	if c.Analysis.MaxAnalysisTimeMS < 1 {
		return fmt.Errorf("analysis.max_analysis_time_ms must be positive, got %d", c.Analysis.MaxAnalysisTimeMS)
	}
	if c.Analysis.Cache.Enabled && c.Analysis.Cache.MaxSize < 1 {
		return fmt.Errorf("analysis.cache.max_size must be positive when the cache is enabled")
	}
	if c.DiskWatermarkPercent < 1 || c.DiskWatermarkPercent > 100 {
		return fmt.Errorf("disk_watermark_percent must be in 1..100, got %d", c.DiskWatermarkPercent)
	}
	return nil
}
