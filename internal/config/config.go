package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	DataState DataStateConfig `mapstructure:"datastate"`
	Planner   PlannerConfig   `mapstructure:"planner"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the host:port pair go-redis expects
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type DataStateConfig struct {
	Backend   string        `mapstructure:"backend"` // "memory" or "redis"
	TTL       time.Duration `mapstructure:"ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

type PlannerConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	DefaultWaitTimeout time.Duration `mapstructure:"default_wait_timeout"`
	BaseNodeDuration   time.Duration `mapstructure:"base_node_duration"`
	MaxParallel        int           `mapstructure:"max_parallel"` // 0 = unbounded
	ContextTTL         time.Duration `mapstructure:"context_ttl"`
	ReaperSchedule     string        `mapstructure:"reaper_schedule"`
}

type LoggingConfig struct {
	Dir     string `mapstructure:"dir"`
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8085)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("datastate.backend", "memory")
	v.SetDefault("datastate.ttl", 24*time.Hour)
	v.SetDefault("datastate.key_prefix", "flowplan")
	v.SetDefault("planner.poll_interval", 100*time.Millisecond)
	v.SetDefault("planner.default_wait_timeout", 30*time.Second)
	v.SetDefault("planner.base_node_duration", time.Second)
	v.SetDefault("planner.max_parallel", 0)
	v.SetDefault("planner.context_ttl", time.Hour)
	v.SetDefault("planner.reaper_schedule", "@every 1m")
	v.SetDefault("logging.dir", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("metrics.enabled", true)
}

// LoadConfig reads configuration from file and FLOWPLAN_* environment variables.
// An empty path searches the default locations; a missing default file is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.flowplan")
		v.AddConfigPath("/etc/flowplan")
	}

	v.SetEnvPrefix("FLOWPLAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.Logging.Dir != "" {
		if err := os.MkdirAll(config.Logging.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	return config, nil
}

// Validate checks the loaded configuration for contradictions
func (c *Config) Validate() error {
	switch c.DataState.Backend {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("datastate backend 'redis' requires redis.enabled")
		}
	default:
		return fmt.Errorf("unknown datastate backend: %s", c.DataState.Backend)
	}
	if c.Planner.PollInterval <= 0 {
		return fmt.Errorf("planner.poll_interval must be positive")
	}
	if c.Planner.MaxParallel < 0 {
		return fmt.Errorf("planner.max_parallel must not be negative")
	}
	return nil
}
