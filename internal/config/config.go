package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type RateConfig struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

// TranscriptConfig is served to participants; the hub itself never promotes.
type TranscriptConfig struct {
	Debounce  time.Duration `mapstructure:"debounce" json:"debounce"`
	MinLength int           `mapstructure:"min_length" json:"minLength"`
}

type MeshConfig struct {
	FailureWindow time.Duration `mapstructure:"failure_window" json:"failureWindow"`
}

type Config struct {
	Mode         string           `mapstructure:"mode"`
	Port         int              `mapstructure:"port"`
	StaticPath   string           `mapstructure:"static_path"`
	ReadLimit    int64            `mapstructure:"read_limit"`
	PingPeriod   time.Duration    `mapstructure:"ping_period"`
	WriteWait    time.Duration    `mapstructure:"write_wait"`
	SendBuffer   int              `mapstructure:"send_buffer"`
	Secret       string           `mapstructure:"secret"`
	LogLevel     string           `mapstructure:"log_level"`
	DatabasePath string           `mapstructure:"database_path"`
	HistoryLimit int              `mapstructure:"history_limit"`
	MaxMessage   int              `mapstructure:"max_message_len"`
	ChatRate     RateConfig       `mapstructure:"chat_rate"`
	Transcript   TranscriptConfig `mapstructure:"transcript"`
	Mesh         MeshConfig       `mapstructure:"mesh"`
	ICEServers   []string         `mapstructure:"ice_servers"`
}

// SetDefaults registers every key with its default so env overrides and
// Unmarshal see the full tree even without a config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("secret", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("database_path", "huddle.db")
	v.SetDefault("history_limit", 50)
	v.SetDefault("max_message_len", 2000)
	v.SetDefault("chat_rate.limit", 5)
	v.SetDefault("chat_rate.interval", "10s")
	v.SetDefault("transcript.debounce", "3s")
	v.SetDefault("transcript.min_length", 3)
	v.SetDefault("mesh.failure_window", "30s")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
}

// NewViper returns a viper instance with defaults and HUDDLE_ env overrides.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("HUDDLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func Load() (*Config, error) {
	v := NewViper()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}
	return Decode(v)
}

func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port %d", c.Port)
	case c.SendBuffer <= 0:
		return fmt.Errorf("send_buffer must be positive")
	case c.PingPeriod <= 0:
		return fmt.Errorf("ping_period must be positive")
	case c.Transcript.Debounce <= 0:
		return fmt.Errorf("transcript.debounce must be positive")
	case c.Transcript.MinLength < 0:
		return fmt.Errorf("transcript.min_length must not be negative")
	}
	return nil
}

// PongWait is how long the hub waits for a pong after a ping.
func (c *Config) PongWait() time.Duration {
	return c.PingPeriod * 10 / 9
}
