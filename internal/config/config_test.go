package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	tmp := t.TempDir()
	oldwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd() error: %v", err)
	}
	if err := os.Chdir(tmp); err != nil {
		t.Fatalf("Chdir(tmp) error: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(oldwd) })
	t.Setenv("HOME", tmp)

	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DefaultTimeout != 10*time.Second {
		t.Fatalf("unexpected DefaultTimeout: %s", cfg.DefaultTimeout)
	}
	if cfg.MaxProcesses < 1 {
		t.Fatalf("unexpected MaxProcesses: %d", cfg.MaxProcesses)
	}
	enabled := cfg.EnabledTools()
	if len(enabled) != 2 || enabled[0] != "cppcheck" || enabled[1] != "bandit" {
		t.Fatalf("unexpected enabled tools: %v", enabled)
	}
	if cfg.ToolTimeout("bandit") != 10*time.Second {
		t.Fatalf("expected tool timeout to fall back to default")
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	tmp := t.TempDir()
	content := "max_processes: 3\n" +
		"default_timeout: 5s\n" +
		"log_format: text\n" +
		"tools:\n" +
		"  bandit:\n" +
		"    enabled: false\n" +
		"  semgrep:\n" +
		"    enabled: true\n" +
		"    timeout: 45s\n" +
		"    args: [\"--config\", \"p/python\"]\n"
	path := filepath.Join(tmp, "lens.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	t.Setenv("LENS_TOOLS_CPPCHECK_PATH", "/opt/cppcheck/bin/cppcheck")
	t.Setenv("LENS_LOG_LEVEL", "debug")

	cfg, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.MaxProcesses != 3 {
		t.Fatalf("unexpected MaxProcesses: %d", cfg.MaxProcesses)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected env to override log level, got %q", cfg.LogLevel)
	}
	if cfg.Tools["cppcheck"].Path != "/opt/cppcheck/bin/cppcheck" {
		t.Fatalf("unexpected cppcheck path: %q", cfg.Tools["cppcheck"].Path)
	}
	if cfg.Tools["bandit"].Enabled {
		t.Fatalf("expected bandit disabled")
	}
	if cfg.ToolTimeout("semgrep") != 45*time.Second {
		t.Fatalf("unexpected semgrep timeout: %s", cfg.ToolTimeout("semgrep"))
	}
	if cfg.ToolTimeout("cppcheck") != 5*time.Second {
		t.Fatalf("unexpected cppcheck timeout: %s", cfg.ToolTimeout("cppcheck"))
	}
	if got := cfg.Tools["semgrep"].Args; len(got) != 2 || got[1] != "p/python" {
		t.Fatalf("unexpected semgrep args: %v", got)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			LogLevel:       "info",
			LogFormat:      "json",
			MaxProcesses:   1,
			DefaultTimeout: time.Second,
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero processes", func(c *Config) { c.MaxProcesses = 0 }},
		{"zero timeout", func(c *Config) { c.DefaultTimeout = 0 }},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }},
		{"unknown tool", func(c *Config) { c.Tools = map[string]ToolConfig{"pylint": {Enabled: true}} }},
		{"negative tool timeout", func(c *Config) { c.Tools = map[string]ToolConfig{"bandit": {Timeout: -time.Second}} }},
		{"orchestrator without scan id", func(c *Config) { c.Orchestrator.Endpoint = "localhost:50051" }},
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}
	for _, tt := range tests {
		c := base()
		tt.mutate(c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tt.name)
		}
	}
}
