// Package config loads runtime settings and builds the logger. Runtime
// settings are the daemon's own knobs (logging, listeners, storage paths);
// the monitor document is separate and validated by the monitor package.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Settings are the daemon's runtime options, distinct from the monitor
// document. All of them have working defaults so a bare `argos start
// monitors.json` needs no settings file at all.
type Settings struct {
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
	} `mapstructure:"metrics"`

	Stream struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
	} `mapstructure:"stream"`

	History struct {
		Enabled bool   `mapstructure:"enabled"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"history"`
}

// NewViper builds a Viper instance with Argos defaults, optionally reading a
// settings file. Environment variables prefixed ARGOS_ override file values
// (e.g. ARGOS_LOGGING_LEVEL=debug).
func NewViper(settingsPath string) (*viper.Viper, error) {
	v := viper.New()

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", "127.0.0.1:9464")
	v.SetDefault("stream.enabled", false)
	v.SetDefault("stream.addr", "127.0.0.1:8420")
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.path", "argos-history.db")

	v.SetEnvPrefix("ARGOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if settingsPath != "" {
		v.SetConfigFile(settingsPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read settings %q: %w", settingsPath, err)
		}
	}
	return v, nil
}

// Load decodes runtime settings from the given Viper instance.
func Load(v *viper.Viper) (Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return s, nil
}
