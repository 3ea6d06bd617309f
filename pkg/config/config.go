// Package config loads the ODC service configuration from YAML with
// environment overrides and validates it.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/marmos91/odc/pkg/plugin"
)

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json"`
	Output string `mapstructure:"output"`
}

// ControllerConfig configures the partition controller.
type ControllerConfig struct {
	// DefaultTimeout bounds requests without an explicit timeout.
	DefaultTimeout time.Duration `mapstructure:"default_timeout" validate:"omitempty,min=0"`
	// RMS names the resource-management system used for topology-derived
	// submissions.
	RMS string `mapstructure:"rms"`
	// RestoreID enables session restoration under this identifier.
	RestoreID string `mapstructure:"restore_id"`
	// RestoreDir overrides the restore-file directory.
	RestoreDir string `mapstructure:"restore_dir"`
	// HistoryDir enables the session-history store in this directory.
	HistoryDir string `mapstructure:"history_dir"`
	// Zones lists zone definitions as name:configFile:envFile triplets.
	Zones []string `mapstructure:"zones" validate:"dive,zonecfg"`
	// Plugins maps resource-plugin names to executable paths.
	Plugins map[string]string `mapstructure:"plugins"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
}

// Config is the full service configuration.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Controller ControllerConfig `mapstructure:"controller"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Log:        LogConfig{Level: "INFO", Format: "text", Output: "stdout"},
		Controller: ControllerConfig{DefaultTimeout: 30 * time.Second, RMS: "localhost"},
		Metrics:    MetricsConfig{Port: 9090},
	}
}

// Load reads the configuration file at path (optional, empty skips the
// file) with ODC_* environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ODC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := Defaults()
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)
	v.SetDefault("log.output", defaults.Log.Output)
	v.SetDefault("controller.default_timeout", defaults.Controller.DefaultTimeout)
	v.SetDefault("controller.rms", defaults.Controller.RMS)
	v.SetDefault("metrics.port", defaults.Metrics.Port)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.RegisterValidation("zonecfg", validZoneCfg); err != nil {
		return err
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func validZoneCfg(fl validator.FieldLevel) bool {
	return len(strings.Split(fl.Field().String(), ":")) == 3
}

// ZoneConfigs parses the name:configFile:envFile zone definitions.
func (c *Config) ZoneConfigs() (map[string]plugin.ZoneConfig, error) {
	zones := make(map[string]plugin.ZoneConfig, len(c.Controller.Zones))
	for _, z := range c.Controller.Zones {
		parts := strings.Split(z, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("zone configuration has incorrect format, expected <name>:<cfgFilePath>:<envFilePath>, received %q", z)
		}
		zones[parts[0]] = plugin.ZoneConfig{ConfigFile: parts[1], EnvFile: parts[2]}
	}
	return zones, nil
}
