package config

import (
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read by the config
const EnvPrefix = "LENS"

// Known tool names, in registration order
var ToolNames = []string{"cppcheck", "bandit", "semgrep", "trufflehog"}

// ToolConfig configures a single analyzer
type ToolConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Path      string        `mapstructure:"path"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Args      []string      `mapstructure:"args"`
	Languages []string      `mapstructure:"languages"`
}

// OrchestratorConfig points at an optional CloudScan orchestrator that
// receives published findings
type OrchestratorConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	ScanID   string `mapstructure:"scan_id"`
}

// WatchConfig configures the directory watcher
type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
}

// Config holds all runtime configuration
type Config struct {
	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Scheduling
	MaxProcesses   int           `mapstructure:"max_processes"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`

	// Analyzers keyed by tool name
	Tools map[string]ToolConfig `mapstructure:"tools"`

	// Fix rules file path or http(s) URL, empty for the built-in rules
	FixRules        string        `mapstructure:"fix_rules"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`

	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	HealthAddr   string             `mapstructure:"health_addr"`
	Watch        WatchConfig        `mapstructure:"watch"`
}

// New returns a viper instance with defaults and environment binding set up
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("max_processes", runtime.NumCPU())
	v.SetDefault("default_timeout", 10*time.Second)
	v.SetDefault("fix_rules", "")
	v.SetDefault("download_timeout", 30*time.Second)
	v.SetDefault("orchestrator.endpoint", "")
	v.SetDefault("orchestrator.scan_id", "")
	v.SetDefault("health_addr", "")
	v.SetDefault("watch.debounce", 300*time.Millisecond)

	for _, name := range ToolNames {
		// semgrep and trufflehog are slow and opt-in
		v.SetDefault("tools."+name+".enabled", name == "cppcheck" || name == "bandit")
		v.SetDefault("tools."+name+".path", "")
		v.SetDefault("tools."+name+".timeout", time.Duration(0))
		v.SetDefault("tools."+name+".args", []string{})
		v.SetDefault("tools."+name+".languages", []string{})
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file into v and decodes the result.
// Without an explicit file, .cloudscan-lens.{yaml,toml,json} is looked up
// in the working directory and the home directory.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(".cloudscan-lens")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"config_file":     v.ConfigFileUsed(),
		"max_processes":   cfg.MaxProcesses,
		"default_timeout": cfg.DefaultTimeout,
		"enabled_tools":   cfg.EnabledTools(),
	}).Debug("Configuration loaded")

	return cfg, nil
}

// Validate checks value ranges and tool names
func (c *Config) Validate() error {
	if c.MaxProcesses < 1 {
		return fmt.Errorf("max_processes must be at least 1, got %d", c.MaxProcesses)
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("default_timeout must be positive, got %s", c.DefaultTimeout)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("log_format must be json or text, got %q", c.LogFormat)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	for name, tc := range c.Tools {
		if !knownTool(name) {
			return fmt.Errorf("unknown tool %q", name)
		}
		if tc.Timeout < 0 {
			return fmt.Errorf("tools.%s.timeout must not be negative", name)
		}
	}
	if c.Orchestrator.Endpoint != "" {
		if _, err := uuid.Parse(c.Orchestrator.ScanID); err != nil {
			return fmt.Errorf("invalid orchestrator.scan_id: %w", err)
		}
	}
	return nil
}

// ToolTimeout returns the timeout of a tool, falling back to the default
func (c *Config) ToolTimeout(name string) time.Duration {
	if tc, ok := c.Tools[name]; ok && tc.Timeout > 0 {
		return tc.Timeout
	}
	return c.DefaultTimeout
}

// EnabledTools returns the names of enabled tools in registration order
func (c *Config) EnabledTools() []string {
	var out []string
	for _, name := range ToolNames {
		if c.Tools[name].Enabled {
			out = append(out, name)
		}
	}
	return out
}

// SetupLogging applies the configured level and formatter to logrus
func (c *Config) SetupLogging() {
	if c.LogFormat == "text" {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&log.JSONFormatter{})
	}
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

func knownTool(name string) bool {
	return slices.Contains(ToolNames, name)
}
