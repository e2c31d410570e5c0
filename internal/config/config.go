package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode           string        `mapstructure:"mode"`
	Port           int           `mapstructure:"port"`
	Secret         string        `mapstructure:"secret"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	Store          string        `mapstructure:"store"`
	DataDir        string        `mapstructure:"data_dir"`
	AttachmentDir  string        `mapstructure:"attachment_dir"`
	AttachMaxSize  int64         `mapstructure:"attach_max_size"`
	DedupeWindow   time.Duration `mapstructure:"dedupe_window"`
	SendRateLimit  int           `mapstructure:"send_rate_limit"`
	SendRateWindow time.Duration `mapstructure:"send_rate_window"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("store", "badger")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("attachment_dir", "./data/attachments")
	v.SetDefault("attach_max_size", 25<<20)
	v.SetDefault("dedupe_window", "5m")
	v.SetDefault("send_rate_limit", 30)
	v.SetDefault("send_rate_window", "10s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
