// Package config loads the JSON configuration, with .env and LEARNPATH_* overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the server and agent settings.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Agent  AgentConfig  `mapstructure:"agent"`
	Log    LogConfig    `mapstructure:"log"`
}

// ServerConfig controls the web surface.
type ServerConfig struct {
	Addr          string        `mapstructure:"addr"`
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// AgentConfig selects the model behind the agent. For provider gemini the key
// entered in the form is used; openai and deepseek use APIKey from here.
type AgentConfig struct {
	Provider    string        `mapstructure:"provider"`
	Model       string        `mapstructure:"model"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	MaxSteps    int           `mapstructure:"max_steps"`
	RunTimeout  time.Duration `mapstructure:"run_timeout"`
	ToolTimeout time.Duration `mapstructure:"tool_timeout"`
}

// LogConfig controls zap.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Validate reports settings the binary cannot start with.
func (c Config) Validate() error {
	switch c.Agent.Provider {
	case "gemini", "mock":
	case "openai":
		if c.Agent.APIKey == "" {
			return errors.New("agent.api_key is required for provider openai")
		}
	case "deepseek":
		// DeepSeek exposes an OpenAI-compatible endpoint; base_url must point at it.
		if c.Agent.APIKey == "" || c.Agent.BaseURL == "" {
			return errors.New("agent.api_key and agent.base_url are required for provider deepseek")
		}
	default:
		return fmt.Errorf("agent provider %s not supported", c.Agent.Provider)
	}
	if c.Agent.MaxSteps <= 0 {
		return errors.New("agent.max_steps must be greater than zero")
	}
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.session_ttl", 2*time.Hour)
	v.SetDefault("server.sweep_interval", 5*time.Minute)
	v.SetDefault("agent.provider", "gemini")
	v.SetDefault("agent.model", "gemini-2.0-flash")
	v.SetDefault("agent.max_steps", 20)
	v.SetDefault("agent.run_timeout", 10*time.Minute)
	v.SetDefault("agent.tool_timeout", 2*time.Minute)
	v.SetDefault("log.level", "info")
}

// Load reads the config file at path. An empty path searches ./config and the
// working directory for config.json; a missing file is not an error there.
func Load(path string) (Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetConfigType("json")
	if path == "" {
		v.SetConfigName("config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("LEARNPATH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Agent.Provider = strings.ToLower(strings.TrimSpace(cfg.Agent.Provider))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
