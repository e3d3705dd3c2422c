// Package config handles Overseer configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for Overseer.
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	Daemon    DaemonConfig            `yaml:"daemon"`
	Repo      RepoConfig              `yaml:"repo"`
	Worktrees WorktreesConfig         `yaml:"worktrees"`
	Sources   map[string]SourceConfig `yaml:"sources"`
	Skills    map[string]SkillConfig  `yaml:"skills"`
	Agent     AgentConfig             `yaml:"agent"`
	Events    EventsConfig            `yaml:"events"`
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	AdminSecret string `yaml:"admin_secret"`
}

// DaemonConfig defines overseerd settings.
type DaemonConfig struct {
	Database  string `yaml:"database"`
	LogFile   string `yaml:"log_file"`
	LogLevel  string `yaml:"log_level"`
	SentryDSN string `yaml:"sentry_dsn"`
	Workers   int    `yaml:"workers"`
	QueueSize int    `yaml:"queue_size"`
}

// RepoConfig identifies the repository jobs operate on.
type RepoConfig struct {
	Path       string `yaml:"path"`
	BaseBranch string `yaml:"base_branch"`
}

// WorktreesConfig defines where job worktrees live and how long a retained
// worktree may linger before the admin listing flags it stale.
type WorktreesConfig struct {
	Dir          string        `yaml:"dir"`
	RetentionAge time.Duration `yaml:"retention_age"`
}

// SourceConfig describes one webhook source.
type SourceConfig struct {
	Kind      string `yaml:"kind"` // github | linear | generic
	Secret    string `yaml:"secret"`
	Workspace string `yaml:"workspace"`
}

// SkillConfig defines per-skill execution limits.
type SkillConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// AgentConfig defines the external agent command.
type AgentConfig struct {
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	GracePeriod time.Duration     `yaml:"grace_period"`
}

// EventsConfig tunes the event bus and webhook deduplication.
type EventsConfig struct {
	HistorySize      int           `yaml:"history_size"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
	DedupWindow      time.Duration `yaml:"dedup_window"`
	DedupMax         int           `yaml:"dedup_max"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Server: ServerConfig{
			Addr: "127.0.0.1:8710",
		},
		Daemon: DaemonConfig{
			Database:  filepath.Join(homeDir, ".local/share/overseer/overseer.db"),
			LogFile:   filepath.Join(homeDir, ".local/share/overseer/overseer.log"),
			LogLevel:  "info",
			Workers:   1,
			QueueSize: 100,
		},
		Repo: RepoConfig{
			BaseBranch: "main",
		},
		Worktrees: WorktreesConfig{
			Dir:          filepath.Join(homeDir, ".local/share/overseer/worktrees"),
			RetentionAge: 7 * 24 * time.Hour,
		},
		Skills: map[string]SkillConfig{
			"fix":     {Timeout: 10 * time.Minute},
			"feature": {Timeout: 30 * time.Minute},
			"review":  {Timeout: 15 * time.Minute},
			"default": {Timeout: 15 * time.Minute},
		},
		Agent: AgentConfig{
			Command:     "overseer-agent",
			GracePeriod: 10 * time.Second,
		},
		Events: EventsConfig{
			HistorySize:      100,
			SubscriberBuffer: 64,
			DedupWindow:      time.Hour,
			DedupMax:         4096,
		},
	}
}

// Load reads configuration from the default path, overlaying defaults.
func Load() (*Config, error) {
	configPath := DefaultConfigPath()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.expandEnvVars()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	if p := os.Getenv("OVERSEER_CONFIG"); p != "" {
		return p
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config/overseer/config.yaml")
}

// SkillTimeout returns the configured timeout for a skill kind, falling
// back to the "default" entry.
func (c *Config) SkillTimeout(kind string) time.Duration {
	if s, ok := c.Skills[kind]; ok && s.Timeout > 0 {
		return s.Timeout
	}
	if s, ok := c.Skills["default"]; ok && s.Timeout > 0 {
		return s.Timeout
	}
	return 15 * time.Minute
}

func (c *Config) expandEnvVars() {
	c.Server.AdminSecret = os.ExpandEnv(c.Server.AdminSecret)
	c.Daemon.SentryDSN = os.ExpandEnv(c.Daemon.SentryDSN)
	for name, src := range c.Sources {
		src.Secret = os.ExpandEnv(src.Secret)
		c.Sources[name] = src
	}
}

func (c *Config) validate() error {
	for name, src := range c.Sources {
		if src.Secret == "" {
			return fmt.Errorf("source %q has no secret configured", name)
		}
		if src.Workspace == "" {
			return fmt.Errorf("source %q has no workspace configured", name)
		}
	}
	if c.Daemon.Workers < 1 {
		c.Daemon.Workers = 1
	}
	return nil
}
