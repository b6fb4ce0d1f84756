package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	EMRBaseURL      string        `mapstructure:"EMR_BASE_URL"`
	EMRClientID     string        `mapstructure:"EMR_CLIENT_ID"`
	EMRClientSecret string        `mapstructure:"EMR_CLIENT_SECRET"`
	EMRFacilityID   string        `mapstructure:"EMR_FACILITY_ID"`
	EMRTimeout      time.Duration `mapstructure:"EMR_TIMEOUT"`

	SyncBatchSize        int    `mapstructure:"SYNC_BATCH_SIZE"`
	SyncWorkers          int    `mapstructure:"SYNC_WORKERS"`
	SyncConflictStrategy string `mapstructure:"SYNC_CONFLICT_STRATEGY"`
	SyncMaxRetries       int    `mapstructure:"SYNC_MAX_RETRIES"`

	MonitorInterval      time.Duration `mapstructure:"MONITOR_INTERVAL"`
	LatencySoftThreshold time.Duration `mapstructure:"LATENCY_SOFT_THRESHOLD"`
	ErrorRateSoft        float64       `mapstructure:"ERROR_RATE_SOFT"`
	ErrorRateHard        float64       `mapstructure:"ERROR_RATE_HARD"`
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
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("EMR_TIMEOUT", "15s")
	v.SetDefault("SYNC_BATCH_SIZE", 50)
	v.SetDefault("SYNC_WORKERS", 4)
	v.SetDefault("SYNC_CONFLICT_STRATEGY", "manual")
	v.SetDefault("SYNC_MAX_RETRIES", 3)
	v.SetDefault("MONITOR_INTERVAL", "15s")
	v.SetDefault("LATENCY_SOFT_THRESHOLD", "400ms")
	v.SetDefault("ERROR_RATE_SOFT", 0.03)
	v.SetDefault("ERROR_RATE_HARD", 0.10)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("EMR_BASE_URL")
	v.BindEnv("EMR_CLIENT_ID")
	v.BindEnv("EMR_CLIENT_SECRET")
	v.BindEnv("EMR_FACILITY_ID")
	v.BindEnv("EMR_TIMEOUT")
	v.BindEnv("SYNC_BATCH_SIZE")
	v.BindEnv("SYNC_WORKERS")
	v.BindEnv("SYNC_CONFLICT_STRATEGY")
	v.BindEnv("SYNC_MAX_RETRIES")
	v.BindEnv("MONITOR_INTERVAL")
	v.BindEnv("LATENCY_SOFT_THRESHOLD")
	v.BindEnv("ERROR_RATE_SOFT")
	v.BindEnv("ERROR_RATE_HARD")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.EMRClientSecret == "" {
		log.Println("WARNING: EMR_CLIENT_SECRET is empty; remote EMR calls will fail authentication.")
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

// Validate checks that the configuration is safe to run. The EMR endpoint and
// credentials are mandatory outside development; sync tuning values must be
// positive and the health thresholds must be sensible percentages.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if c.EMRBaseURL == "" {
			return fmt.Errorf("EMR_BASE_URL is required when ENV=%q", c.Env)
		}
		if c.EMRClientID == "" || c.EMRClientSecret == "" {
			return fmt.Errorf("EMR_CLIENT_ID and EMR_CLIENT_SECRET are required when ENV=%q", c.Env)
		}
	}

	switch c.SyncConflictStrategy {
	case "manual", "preferLocal", "preferRemote":
	default:
		return fmt.Errorf("SYNC_CONFLICT_STRATEGY must be \"manual\", \"preferLocal\", or \"preferRemote\", got %q", c.SyncConflictStrategy)
	}

	if c.SyncBatchSize <= 0 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be positive, got %d", c.SyncBatchSize)
	}
	if c.SyncWorkers <= 0 {
		return fmt.Errorf("SYNC_WORKERS must be positive, got %d", c.SyncWorkers)
	}
	if c.SyncMaxRetries < 0 {
		return fmt.Errorf("SYNC_MAX_RETRIES must not be negative, got %d", c.SyncMaxRetries)
	}

	if c.ErrorRateSoft <= 0 || c.ErrorRateSoft >= 1 {
		return fmt.Errorf("ERROR_RATE_SOFT must be in (0,1), got %g", c.ErrorRateSoft)
	}
	if c.ErrorRateHard <= c.ErrorRateSoft || c.ErrorRateHard >= 1 {
		return fmt.Errorf("ERROR_RATE_HARD must be greater than ERROR_RATE_SOFT and less than 1, got %g", c.ErrorRateHard)
	}

	return nil
}
