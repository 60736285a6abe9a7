package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config carries everything cmd/api needs to wire the service. Values come
// from KEYSAFE_* environment variables, optionally overlaid on a yaml file.
type Config struct {
	HTTPAddr string `mapstructure:"http_addr"`
	GRPCAddr string `mapstructure:"grpc_addr"`

	PGDSN string `mapstructure:"pg_dsn"`

	OTPSecret   string        `mapstructure:"otp_secret"`
	OTPTTL      time.Duration `mapstructure:"otp_ttl"`
	OTPAttempts int           `mapstructure:"otp_attempts"`

	OverdueAfter  time.Duration `mapstructure:"overdue_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	RateBurst  int `mapstructure:"rate_burst"`
	RatePerSec int `mapstructure:"rate_per_sec"`
}

// Load reads configuration from the environment and, when path is non-empty,
// from a yaml file. Environment values win.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KEYSAFE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("grpc_addr", "")
	v.SetDefault("pg_dsn", "")
	v.SetDefault("otp_secret", "")
	v.SetDefault("otp_ttl", 5*time.Minute)
	v.SetDefault("otp_attempts", 5)
	v.SetDefault("overdue_after", 24*time.Hour)
	v.SetDefault("sweep_interval", 5*time.Minute)
	v.SetDefault("rate_burst", 20)
	v.SetDefault("rate_per_sec", 10)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return Config{}, errors.New("config file not found")
			}
			return Config{}, err
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, err
	}
	return c, c.validate()
}

func (c Config) validate() error {
	if c.OTPTTL <= 0 {
		return errors.New("otp_ttl must be positive")
	}
	if c.OTPAttempts <= 0 {
		return errors.New("otp_attempts must be positive")
	}
	if c.OverdueAfter <= 0 {
		return errors.New("overdue_after must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.New("sweep_interval must be positive")
	}
	return nil
}
