package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                  string        `mapstructure:"PORT"`
	Env                   string        `mapstructure:"ENV"`
	ProjectsDir           string        `mapstructure:"PROJECTS_DIR"`
	CompartmentDefinition string        `mapstructure:"COMPARTMENT_DEFINITION"`
	DatabaseURL           string        `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL              string        `mapstructure:"REDIS_URL"`
	RunRetention          time.Duration `mapstructure:"RUN_RETENTION"`
	ShutdownTimeout       time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
	IntakeSecret          string        `mapstructure:"INTAKE_SECRET"`
	MaxBundleBytes        int64         `mapstructure:"MAX_BUNDLE_BYTES"`
	LogLevel              string        `mapstructure:"LOG_LEVEL"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("PROJECTS_DIR", "projects")
	v.SetDefault("COMPARTMENT_DEFINITION", "") // embedded R4 Patient compartment
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("RUN_RETENTION", "24h")
	v.SetDefault("SHUTDOWN_TIMEOUT", "30s")
	v.SetDefault("MAX_BUNDLE_BYTES", 32<<20)
	v.SetDefault("LOG_LEVEL", "info")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("PROJECTS_DIR")
	v.BindEnv("COMPARTMENT_DEFINITION")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("RUN_RETENTION")
	v.BindEnv("SHUTDOWN_TIMEOUT")
	v.BindEnv("INTAKE_SECRET")
	v.BindEnv("MAX_BUNDLE_BYTES")
	v.BindEnv("LOG_LEVEL")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the agent is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// HasDatabase reports whether a Postgres connection is configured. Only
// projects with an sql cohort selector need one.
func (c *Config) HasDatabase() bool {
	return c.DatabaseURL != ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.ProjectsDir == "" {
		return fmt.Errorf("PROJECTS_DIR is required")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be at least 1, got %d", c.DBMaxConns)
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS (%d), got %d", c.DBMaxConns, c.DBMinConns)
	}
	if c.RunRetention <= 0 {
		return fmt.Errorf("RUN_RETENTION must be positive, got %s", c.RunRetention)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %s", c.ShutdownTimeout)
	}
	if c.MaxBundleBytes <= 0 {
		return fmt.Errorf("MAX_BUNDLE_BYTES must be positive, got %d", c.MaxBundleBytes)
	}
	// Unsigned research intake is only acceptable on a developer machine.
	if c.IsProduction() && c.IntakeSecret == "" {
		return fmt.Errorf("INTAKE_SECRET is required in production")
	}
	return nil
}
