package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type (
	Config struct {
		Server ServerConfig `mapstructure:"server"`
		Mongo  MongoConfig  `mapstructure:"mongo"`
		Redis  RedisConfig  `mapstructure:"redis"`
		Client ClientConfig `mapstructure:"client"`
		Sync   SyncConfig   `mapstructure:"sync"`
		Log    LogConfig    `mapstructure:"log"`
	}

	ServerConfig struct {
		Addr string `mapstructure:"addr"`
	}

	MongoConfig struct {
		URI      string `mapstructure:"uri"`
		Database string `mapstructure:"database"`
	}

	RedisConfig struct {
		Addr     string        `mapstructure:"addr"`
		Password string        `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
		CacheTTL time.Duration `mapstructure:"cache_ttl"`
	}

	ClientConfig struct {
		ServerURL      string        `mapstructure:"server_url"`
		DataDir        string        `mapstructure:"data_dir"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
	}

	SyncConfig struct {
		IngestInterval  time.Duration `mapstructure:"ingest_interval"`
		PresentInterval time.Duration `mapstructure:"present_interval"`
	}

	LogConfig struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	}
)

func New() *viper.Viper {
	v := viper.New()

	v.SetConfigName("zerotrace")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.zerotrace")

	v.SetEnvPrefix("ZEROTRACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "localhost:8000")

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "zero_trace")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl", "10m")

	v.SetDefault("client.server_url", "http://localhost:8000")
	v.SetDefault("client.data_dir", "")
	v.SetDefault("client.request_timeout", "10s")

	v.SetDefault("sync.ingest_interval", "5s")
	v.SetDefault("sync.present_interval", "2s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads the optional config file and decodes v into a Config. A missing
// file is not an error; environment and defaults still apply.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Client.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		cfg.Client.DataDir = filepath.Join(home, ".zerotrace")
	}

	if cfg.Sync.IngestInterval <= 0 || cfg.Sync.PresentInterval <= 0 {
		return nil, fmt.Errorf("sync intervals must be positive")
	}
	return &cfg, nil
}
