// Package config loads the command line tool's configuration from a file
// and FTPNODE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/gonzalop/ftpnode"
	"github.com/gonzalop/ftpnode/internal/logging"
)

// Config is the complete tool configuration.
type Config struct {
	// Connection is the FTP endpoint.
	Connection ftpnode.ConnectionOptions `mapstructure:"connection" yaml:"connection"`

	// Logging controls the log output on stderr.
	Logging logging.Config `mapstructure:"logging" yaml:"logging"`

	// BandwidthLimit caps data throughput in bytes per second; 0 is unlimited.
	BandwidthLimit int64 `mapstructure:"bandwidth_limit" yaml:"bandwidth_limit" validate:"gte=0"`

	// Parallel bounds the sessions a multi-path command runs at once.
	Parallel int `mapstructure:"parallel" yaml:"parallel" validate:"gte=1,lte=64"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads configPath (YAML, TOML or JSON; optional) and the environment.
// Environment variables use the FTPNODE_ prefix and underscores for nesting,
// e.g. FTPNODE_CONNECTION_HOST. FTPNODE_PASSWORD sets the password.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Connection.ApplyDefaults()
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks the whole configuration.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	return cfg.Connection.Validate()
}

// setupViper registers every key with its default so environment variables
// are picked up by Unmarshal.
func setupViper(v *viper.Viper) {
	v.SetEnvPrefix("FTPNODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("connection.host", ftpnode.DefaultHost)
	v.SetDefault("connection.port", ftpnode.DefaultPort)
	v.SetDefault("connection.secure", string(ftpnode.SecureNone))
	v.SetDefault("connection.tls.server_name", "")
	v.SetDefault("connection.tls.insecure_skip_verify", false)
	v.SetDefault("connection.user", ftpnode.DefaultUser)
	v.SetDefault("connection.password", "")
	v.SetDefault("connection.conn_timeout", ftpnode.DefaultConnTimeout)
	v.SetDefault("connection.pasv_timeout", ftpnode.DefaultPasvTimeout)
	v.SetDefault("connection.keepalive", ftpnode.DefaultKeepalive)
	v.SetDefault("connection.idle_timeout", ftpnode.DefaultIdleTimeout)
	v.SetDefault("connection.active_mode", false)
	v.SetDefault("connection.disable_epsv", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("bandwidth_limit", 0)
	v.SetDefault("parallel", 4)

	_ = v.BindEnv("connection.password", "FTPNODE_PASSWORD", "FTPNODE_CONNECTION_PASSWORD")
}

// configDecodeHooks returns the decode hooks for custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// durationDecodeHook converts strings like "30s" or "5m" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// Write saves cfg as YAML. The password is never written.
func Write(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg := &Config{
		Logging:  logging.Config{Level: "info", Format: "text"},
		Parallel: 4,
	}
	cfg.Connection.ApplyDefaults()
	cfg.Connection.Password = ""
	return cfg
}
