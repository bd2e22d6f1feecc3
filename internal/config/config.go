// Package config loads the orchestrator's configuration: defaults, a
// .caw/config.json file, and CAW_* environment overrides, layered through
// viper the way perles/internal/config + cmd/root.go layer theirs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// CycleMode is the PR-cycle policy (spec §4.11).
type CycleMode string

const (
	CycleAuto CycleMode = "auto"
	CycleHITL CycleMode = "hitl"
	CycleOff  CycleMode = "off"

	defaultCycleMode = CycleHITL
)

// PRConfig holds pull-request integration cycle settings.
type PRConfig struct {
	Cycle CycleMode `mapstructure:"cycle"`
}

// AgentConfig holds default agent-runtime settings.
type AgentConfig struct {
	Runtime   string `mapstructure:"runtime"`
	AutoSetup bool   `mapstructure:"auto_setup"`
}

// Config is the orchestrator's top-level configuration, unmarshaled from
// .caw/config.json via mapstructure tags (spec §6).
type Config struct {
	Transport string       `mapstructure:"transport"`
	Port      int          `mapstructure:"port"`
	DBMode    string       `mapstructure:"db_mode"`
	RepoPath  string       `mapstructure:"repo_path"`
	PR        PRConfig     `mapstructure:"pr"`
	Agent     AgentConfig  `mapstructure:"agent"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		Transport: "stdio",
		Port:      0,
		DBMode:    "embedded",
		PR:        PRConfig{Cycle: defaultCycleMode},
		Agent:     AgentConfig{Runtime: "external", AutoSetup: true},
	}
}

// Loader owns a viper instance and the Config it last unmarshaled.
type Loader struct {
	v      *viper.Viper
	path   string
	loaded Config
}

// NewLoader constructs a Loader that will read configPath (or
// .caw/config.json under dir if configPath is empty).
func NewLoader(dir, configPath string) *Loader {
	v := viper.New()
	defaults := Defaults()
	v.SetDefault("transport", defaults.Transport)
	v.SetDefault("port", defaults.Port)
	v.SetDefault("db_mode", defaults.DBMode)
	v.SetDefault("pr.cycle", string(defaults.PR.Cycle))
	v.SetDefault("agent.runtime", defaults.Agent.Runtime)
	v.SetDefault("agent.auto_setup", defaults.Agent.AutoSetup)

	if configPath == "" {
		configPath = filepath.Join(dir, ".caw", "config.json")
	}
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.SetEnvPrefix("CAW")
	v.AutomaticEnv()
	_ = v.BindEnv("transport", "CAW_TRANSPORT")
	_ = v.BindEnv("port", "CAW_PORT")
	_ = v.BindEnv("db_mode", "CAW_DB_MODE")
	_ = v.BindEnv("repo_path", "CAW_REPO_PATH")

	return &Loader{v: v, path: configPath}
}

// Load reads the config file if present (a missing file is not an error —
// defaults and env vars still apply) and unmarshals into Config.
func (l *Loader) Load() (Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("reading config %s: %w", l.path, err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	l.loaded = cfg
	return cfg, nil
}

// Current returns the last successfully loaded Config.
func (l *Loader) Current() Config { return l.loaded }

// Path returns the config file path this loader watches.
func (l *Loader) Path() string { return l.path }
