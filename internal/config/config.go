package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MeshConfig struct {
	STUNServers  []string      `mapstructure:"stun_servers"`
	OfferTimeout time.Duration `mapstructure:"offer_timeout"`
	RetryBudget  int           `mapstructure:"retry_budget"`
	BackoffMin   time.Duration `mapstructure:"backoff_min"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
}

type CaptureDevice struct {
	ID    string `mapstructure:"id"`
	Label string `mapstructure:"label"`
	Kind  string `mapstructure:"kind"`
	Addr  string `mapstructure:"addr"`
	// Codec declares the feed's RTP payload: "opus" (default) or "l16" for
	// audio. Only raw l16 feeds can serve the voice-agent audio tap.
	Codec string `mapstructure:"codec"`
}

type AgentConfig struct {
	URL        string `mapstructure:"url"`
	APIKey     string `mapstructure:"api_key"`
	SampleRate int    `mapstructure:"sample_rate"`
	Channels   int    `mapstructure:"channels"`
}

type Config struct {
	Mode       string          `mapstructure:"mode"`
	Port       int             `mapstructure:"port"`
	Secret     string          `mapstructure:"secret"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Mesh       MeshConfig      `mapstructure:"mesh"`
	Devices    []CaptureDevice `mapstructure:"devices"`
	Agent      AgentConfig     `mapstructure:"agent"`
	PingPeriod time.Duration   `mapstructure:"ping_period"`
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
	v.SetDefault("ping_period", "54s")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("mesh.stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("mesh.offer_timeout", "15s")
	v.SetDefault("mesh.retry_budget", 5)
	v.SetDefault("mesh.backoff_min", "1s")
	v.SetDefault("mesh.backoff_max", "30s")
	v.SetDefault("agent.sample_rate", 48000)
	v.SetDefault("agent.channels", 1)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
