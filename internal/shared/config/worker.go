package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// WorkerConfig contains all configuration for the worker service.
type WorkerConfig struct {
	Server  WorkerServerConfig `mapstructure:"server"`
	Agent   AgentConfig        `mapstructure:"agent"`
	Capture CaptureConfig      `mapstructure:"capture"`
	Logging LoggingConfig      `mapstructure:"logging"`
}

// WorkerServerConfig contains the worker-local HTTP surface configuration.
type WorkerServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// AgentConfig contains the parent-agent connection configuration.
type AgentConfig struct {
	Addr              string        `mapstructure:"addr"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// CaptureConfig contains stdout/stderr capture configuration. Bucket
// names the object-store location uploads are written under.
type CaptureConfig struct {
	StdoutPath string `mapstructure:"stdout_path"`
	StderrPath string `mapstructure:"stderr_path"`
	Bucket     string `mapstructure:"bucket"`
}

// LoadWorker loads the worker configuration from the given path. If
// configPath is empty, it looks for worker.yaml in the config/ directory.
// Environment variables with TRAWLER_WORKER_ prefix override config file
// values.
func LoadWorker(configPath string) (*WorkerConfig, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":9090")
	v.SetDefault("agent.addr", "localhost:9080")
	v.SetDefault("agent.retry_delay", time.Second)
	v.SetDefault("agent.heartbeat_interval", 15*time.Second)
	v.SetDefault("capture.stdout_path", "/var/tmp/trawler.stdout")
	v.SetDefault("capture.stderr_path", "/var/tmp/trawler.stderr")
	v.SetDefault("capture.bucket", "trawler-captures")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("worker")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("TRAWLER_WORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg WorkerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}
