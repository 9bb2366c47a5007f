package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// SupervisorConfig contains all configuration for the supervisor service.
type SupervisorConfig struct {
	Server  SupervisorServerConfig `mapstructure:"server"`
	Store   StoreConfig            `mapstructure:"store"`
	Images  ImagesConfig           `mapstructure:"images"`
	Logging LoggingConfig          `mapstructure:"logging"`
}

// SupervisorServerConfig contains the job API server configuration.
type SupervisorServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// ImagesConfig lists the compute image versions a phase's image
// constraint may resolve to.
type ImagesConfig struct {
	Supported []string `mapstructure:"supported"`
}

// LoadSupervisor loads the supervisor configuration from the given path.
// If configPath is empty, it looks for supervisor.yaml in the config/
// directory. Environment variables with TRAWLER_SUPERVISOR_ prefix
// override config file values.
func LoadSupervisor(configPath string) (*SupervisorConfig, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("images.supported", []string{"13.3.6", "14.2.0", "15.0.1"})
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("supervisor")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("TRAWLER_SUPERVISOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg SupervisorConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}
