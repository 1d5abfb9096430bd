// Package config loads the daemon configuration from YAML, TOML, JSON or
// JSONC files with CHRONICLESINK_ environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/tidwall/jsonc"

	"chroniclesink/internal/admin"
	kafkasource "chroniclesink/internal/ingest/kafka"
	"chroniclesink/internal/ingest/rabbitmq"
	"chroniclesink/internal/ingest/socket"
)

const envPrefix = "chroniclesink"

type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Sink       SinkConfig       `mapstructure:"sink"`
	Sources    SourcesConfig    `mapstructure:"sources"`
	Admin      admin.Config     `mapstructure:"admin"`
	DeadLetter DeadLetterConfig `mapstructure:"dead_letter"`

	v *viper.Viper
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SinkConfig names the destination. The rest of the sink section belongs
// to that destination and is read with DecodeSink.
type SinkConfig struct {
	Type string `mapstructure:"type"`
}

type SourcesConfig struct {
	Socket   socket.Config      `mapstructure:"socket"`
	Kafka    kafkasource.Config `mapstructure:"kafka"`
	RabbitMQ rabbitmq.Config    `mapstructure:"rabbitmq"`
}

type DeadLetterConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load reads path. A .env file next to it, when present, is loaded into
// the environment first without overriding variables already set.
func Load(path string) (Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := readConfig(v, path); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.v = v
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

// readConfig strips comments and trailing commas from .jsonc files
// before handing them to viper as JSON.
func readConfig(v *viper.Viper, path string) error {
	if strings.EqualFold(filepath.Ext(path), ".jsonc") {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		v.SetConfigType("json")
		if err := v.ReadConfig(bytes.NewReader(jsonc.ToJSON(data))); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		return nil
	}
	v.SetConfigFile(path)
	return v.ReadInConfig()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("admin.address", "127.0.0.1:8686")
	v.SetDefault("sources.socket.network", "tcp")
	v.SetDefault("sources.rabbitmq.prefetch_count", 64)
	v.SetDefault("sources.rabbitmq.workers", 4)
	v.SetDefault("sources.rabbitmq.delivery_queue", 64)
	v.SetDefault("sources.rabbitmq.parser.format", rabbitmq.FormatAuto)
	v.SetDefault("dead_letter.path", "data/deadletters.db")
}

func (c Config) Validate() error {
	if c.Sink.Type == "" {
		return fmt.Errorf("sink.type is required")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q is not supported", c.Log.Format)
	}
	if !c.Sources.Socket.Enabled && !c.Sources.Kafka.Enabled && !c.Sources.RabbitMQ.Enabled {
		return fmt.Errorf("at least one source must be enabled")
	}
	if err := errors.Join(
		c.Sources.Socket.Validate(),
		c.Sources.Kafka.Validate(),
		c.Sources.RabbitMQ.Validate(),
		c.Admin.Validate(),
	); err != nil {
		return err
	}
	if c.DeadLetter.Enabled && c.DeadLetter.Path == "" {
		return fmt.Errorf("dead_letter.path is required")
	}
	return nil
}

// DecodeSink unmarshals the sink section into target, including any
// environment overrides of its keys.
func (c Config) DecodeSink(target any) error {
	if c.v == nil {
		return errors.New("config: not loaded")
	}
	section, ok := c.v.AllSettings()["sink"].(map[string]any)
	if !ok {
		return errors.New("sink section is missing")
	}
	sub := viper.New()
	if err := sub.MergeConfigMap(section); err != nil {
		return fmt.Errorf("sink config: %w", err)
	}
	if err := sub.Unmarshal(target); err != nil {
		return fmt.Errorf("unmarshal sink config: %w", err)
	}
	return nil
}

// NewLogger builds the process logger.
func (c LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log.level %q is not supported", s)
	}
}
