// Package appconfig loads the orchestrator's configuration surface (§6)
// from a config file plus environment overrides, the way the teacher's
// CLI wires up viper.
package appconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supervised is the runner.supervised.* configuration block.
type Supervised struct {
	ExecFile        string   `mapstructure:"execFile"`
	Interpreter     string   `mapstructure:"interpreter"`
	InterpreterArgs []string `mapstructure:"interpreterArgs"`
	Cwd             string   `mapstructure:"cwd"`
	LogFileScan     bool     `mapstructure:"logFileScan"`
	LogFilePath     string   `mapstructure:"logFilePath"`
	LogFileTailSize int64    `mapstructure:"logFileTailSize"`
}

// Runner is the runner.* configuration block.
type Runner struct {
	Modules    []string   `mapstructure:"modules"`
	Supervised Supervised `mapstructure:"supervised"`
}

// Cache is the cache.* configuration block.
type Cache struct {
	Modules []string `mapstructure:"modules"`
	Memory  struct {
		Size int `mapstructure:"size"`
	} `mapstructure:"memory"`
	File struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"file"`
}

// Config is the §6 configuration surface. keyRewrite, cache.calculate,
// and runner.calculate are Go-function hooks and are not represented
// here; callers that need them set orchestrator.Config's KeyRewrite,
// CalculateCache, and CalculateRunner after Load, and
// runner.supervised.env is runner.SupervisedConfig's Env. agentDefaults
// has no counterpart: nothing merges defaults into agent definitions.
type Config struct {
	AutoInit       bool     `mapstructure:"autoInit"`
	AutoInstall    bool     `mapstructure:"autoInstall"`
	AllowImmediate bool     `mapstructure:"allowImmediate"`
	CheckProcessMS int      `mapstructure:"checkProcess"`
	LogThrottleMS  int      `mapstructure:"logThrottle"`
	Paths          []string `mapstructure:"paths"`

	Cache  Cache  `mapstructure:"cache"`
	Runner Runner `mapstructure:"runner"`
}

// CheckProcess returns CheckProcessMS as a time.Duration, defaulting to
// one second when unset.
func (c Config) CheckProcess() time.Duration {
	if c.CheckProcessMS <= 0 {
		return time.Second
	}
	return time.Duration(c.CheckProcessMS) * time.Millisecond
}

// LogThrottle returns LogThrottleMS as a time.Duration, defaulting to
// 250ms (matching internal/workerctx's default) when unset.
func (c Config) LogThrottle() time.Duration {
	if c.LogThrottleMS <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(c.LogThrottleMS) * time.Millisecond
}

// Default returns the documented defaults for every field.
func Default() Config {
	return Config{
		AutoInit:       true,
		AutoInstall:    true,
		AllowImmediate: true,
		CheckProcessMS: 1000,
		LogThrottleMS:  250,
		Paths:          []string{"./agents/*.yaml"},
		Cache:          Cache{Modules: []string{"memory"}},
		Runner:         Runner{Modules: []string{"inline"}},
	}
}

// Load reads configPath (if non-empty) plus an "agentrun-config" file
// discovered in $HOME and the working directory, overlays AGENTRUN_*
// environment variables, and unmarshals onto Default(). Environment
// overrides apply to the top-level scalar options and to any nested key
// the config file sets.
func Load(configPath string) (Config, error) {
	v := viper.New()

	cfg := Default()
	for key, value := range map[string]any{
		"autoInit":       cfg.AutoInit,
		"autoInstall":    cfg.AutoInstall,
		"allowImmediate": cfg.AllowImmediate,
		"checkProcess":   cfg.CheckProcessMS,
		"logThrottle":    cfg.LogThrottleMS,
	} {
		v.SetDefault(key, value)
	}
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("agentrun-config")
		v.AddConfigPath("$HOME")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("AGENTRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("appconfig: read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("appconfig: unmarshal config: %w", err)
	}
	return cfg, nil
}
