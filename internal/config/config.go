package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	AuthTimeout      time.Duration `mapstructure:"auth_timeout"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	ProbeConcurrency int           `mapstructure:"probe_concurrency"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	TombstoneTTL     time.Duration `mapstructure:"tombstone_ttl"`

	Rate  RateConfig  `mapstructure:"rate"`
	Store StoreConfig `mapstructure:"store"`
	JWT   JWTConfig   `mapstructure:"jwt"`
	Alert AlertConfig `mapstructure:"alert"`
}

// RateConfig limits inbound frames per connection.
type RateConfig struct {
	Limit float64 `mapstructure:"limit"`
	Burst int     `mapstructure:"burst"`
}

type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// JWTConfig holds the secrets shared with the account API.
type JWTConfig struct {
	HostSecret      string `mapstructure:"host_secret"`
	RefreshSecret   string `mapstructure:"refresh_secret"`
	AnalyticsSecret string `mapstructure:"analytics_secret"`
	Issuer          string `mapstructure:"issuer"`
}

type AlertConfig struct {
	WebhookURL  string        `mapstructure:"webhook_url"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
}

// Load reads config/config.<CONFIG_ENV>.yaml (or path when non-empty),
// applies SCENEROOM_* environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")

	if path == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		path = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(path)

	v.SetEnvPrefix("SCENEROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "config file not found (%s), using defaults\n", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "change-me")
	v.SetDefault("auth_timeout", "10s")
	v.SetDefault("tick_interval", "1s")
	v.SetDefault("probe_timeout", "3s")
	v.SetDefault("probe_concurrency", 8)
	v.SetDefault("idle_timeout", "1m")
	v.SetDefault("tombstone_ttl", "168h")
	v.SetDefault("rate.limit", 20)
	v.SetDefault("rate.burst", 40)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.addr", "127.0.0.1:6379")
	v.SetDefault("store.key_prefix", "sceneroom:")
	v.SetDefault("store.password", "")
	// Unmarshal only sees env overrides for keys viper already knows.
	v.SetDefault("jwt.host_secret", "")
	v.SetDefault("jwt.refresh_secret", "")
	v.SetDefault("jwt.analytics_secret", "")
	v.SetDefault("jwt.issuer", "")
	v.SetDefault("alert.webhook_url", "")
	v.SetDefault("alert.max_attempts", 3)
	v.SetDefault("alert.cooldown", "1m")
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory", "valkey":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %s", c.TickInterval)
	}
	if c.ProbeTimeout <= 0 || c.ProbeTimeout >= c.TickInterval*10 {
		return fmt.Errorf("probe_timeout %s out of range", c.ProbeTimeout)
	}
	if c.ProbeConcurrency < 1 {
		c.ProbeConcurrency = 1
	}
	return nil
}
