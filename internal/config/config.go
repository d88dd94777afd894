package config

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string `mapstructure:"PORT"`
	Env            string `mapstructure:"ENV"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32  `mapstructure:"DB_MIN_CONNS"`
	DefaultLabID   string `mapstructure:"DEFAULT_LAB_ID"`
	ConnectTimeout int    `mapstructure:"CONNECT_TIMEOUT_SECONDS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CONNECT_TIMEOUT_SECONDS", 30)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("DEFAULT_LAB_ID")
	v.BindEnv("CONNECT_TIMEOUT_SECONDS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// DefaultLab parses DEFAULT_LAB_ID. The inbox endpoints fall back to this
// lab when the request does not name one; uuid.Nil when unset.
func (c *Config) DefaultLab() (uuid.UUID, error) {
	if c.DefaultLabID == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(c.DefaultLabID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("DEFAULT_LAB_ID is not a valid UUID: %w", err)
	}
	return id, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("CONNECT_TIMEOUT_SECONDS must be positive, got %d", c.ConnectTimeout)
	}
	if _, err := c.DefaultLab(); err != nil {
		return err
	}
	return nil
}
