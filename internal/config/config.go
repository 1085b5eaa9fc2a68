package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Bridge selections for STATUS_BRIDGE.
const (
	BridgeLog      = "log"
	BridgePostgres = "postgres"
	BridgeSQLite   = "sqlite"
	BridgeWebhook  = "webhook"
	BridgeNone     = "none"
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	AETitle  string `mapstructure:"MPPS_AE_TITLE"`
	BindHost string `mapstructure:"MPPS_BIND_HOST"`
	Port     int    `mapstructure:"MPPS_PORT"`
	// StorageDir empty disables persistence.
	StorageDir         string        `mapstructure:"MPPS_STORAGE_DIR"`
	NCreateProfile     string        `mapstructure:"MPPS_NCREATE_PROFILE"`
	NSetProfile        string        `mapstructure:"MPPS_NSET_PROFILE"`
	SOPClasses         string        `mapstructure:"MPPS_SOP_CLASSES"`
	MaxAssociations    int           `mapstructure:"MPPS_MAX_ASSOCIATIONS"`
	MaxPDULength       uint32        `mapstructure:"MPPS_MAX_PDU_LENGTH"`
	AssociationTimeout time.Duration `mapstructure:"MPPS_ASSOCIATION_TIMEOUT"`
	IdleTimeout        time.Duration `mapstructure:"MPPS_IDLE_TIMEOUT"`
	StopTimeout        time.Duration `mapstructure:"MPPS_STOP_TIMEOUT"`

	StatusBridge  string        `mapstructure:"STATUS_BRIDGE"`
	BridgeTimeout time.Duration `mapstructure:"BRIDGE_TIMEOUT"`
	DatabaseURL   string        `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32         `mapstructure:"DB_MIN_CONNS"`
	SQLitePath    string        `mapstructure:"SQLITE_PATH"`
	WebhookURL    string        `mapstructure:"WEBHOOK_URL"`
	WebhookSecret string        `mapstructure:"WEBHOOK_SECRET"`

	// HTTPPort 0 disables the operations API.
	HTTPPort int `mapstructure:"HTTP_PORT"`
}

var keys = []string{
	"ENV", "LOG_LEVEL",
	"MPPS_AE_TITLE", "MPPS_BIND_HOST", "MPPS_PORT", "MPPS_STORAGE_DIR",
	"MPPS_NCREATE_PROFILE", "MPPS_NSET_PROFILE", "MPPS_SOP_CLASSES",
	"MPPS_MAX_ASSOCIATIONS", "MPPS_MAX_PDU_LENGTH", "MPPS_ASSOCIATION_TIMEOUT",
	"MPPS_IDLE_TIMEOUT", "MPPS_STOP_TIMEOUT",
	"STATUS_BRIDGE", "BRIDGE_TIMEOUT", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"SQLITE_PATH", "WEBHOOK_URL", "WEBHOOK_SECRET", "HTTP_PORT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("MPPS_AE_TITLE", "RADIOLOGY_MODULE")
	v.SetDefault("MPPS_BIND_HOST", "0.0.0.0")
	v.SetDefault("MPPS_PORT", 11112)
	v.SetDefault("MPPS_STORAGE_DIR", "data/mpps")
	v.SetDefault("MPPS_MAX_ASSOCIATIONS", 50)
	v.SetDefault("MPPS_MAX_PDU_LENGTH", 16384)
	v.SetDefault("MPPS_ASSOCIATION_TIMEOUT", "30s")
	v.SetDefault("MPPS_IDLE_TIMEOUT", "60s")
	v.SetDefault("MPPS_STOP_TIMEOUT", "10s")
	v.SetDefault("STATUS_BRIDGE", BridgeLog)
	v.SetDefault("BRIDGE_TIMEOUT", "5s")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("SQLITE_PATH", "data/radiology.db")
	v.SetDefault("HTTP_PORT", 8081)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.StatusBridge = strings.ToLower(strings.TrimSpace(cfg.StatusBridge))
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Level parses LOG_LEVEL, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// PersistenceEnabled reports whether MPPS_STORAGE_DIR is set.
func (c *Config) PersistenceEnabled() bool {
	return strings.TrimSpace(c.StorageDir) != ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("MPPS_PORT must be between 0 and 65535, got %d", c.Port)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 0 and 65535, got %d", c.HTTPPort)
	}
	if c.HTTPPort != 0 && c.HTTPPort == c.Port {
		return fmt.Errorf("HTTP_PORT and MPPS_PORT must differ, both are %d", c.Port)
	}
	if l := len(c.AETitle); l == 0 || l > 16 {
		return fmt.Errorf("MPPS_AE_TITLE must be 1 to 16 characters, got %q", c.AETitle)
	}
	if c.MaxAssociations <= 0 {
		return fmt.Errorf("MPPS_MAX_ASSOCIATIONS must be positive, got %d", c.MaxAssociations)
	}
	if c.MaxPDULength != 0 && c.MaxPDULength < 4096 {
		return fmt.Errorf("MPPS_MAX_PDU_LENGTH must be at least 4096, got %d", c.MaxPDULength)
	}
	for name, d := range map[string]time.Duration{
		"MPPS_ASSOCIATION_TIMEOUT": c.AssociationTimeout,
		"MPPS_IDLE_TIMEOUT":        c.IdleTimeout,
		"MPPS_STOP_TIMEOUT":        c.StopTimeout,
		"BRIDGE_TIMEOUT":           c.BridgeTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	switch c.StatusBridge {
	case BridgeLog, BridgeNone:
	case BridgePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STATUS_BRIDGE is %q", BridgePostgres)
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
		}
	case BridgeSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STATUS_BRIDGE is %q", BridgeSQLite)
		}
	case BridgeWebhook:
		if c.WebhookURL == "" {
			return fmt.Errorf("WEBHOOK_URL is required when STATUS_BRIDGE is %q", BridgeWebhook)
		}
		if !c.IsDev() && c.WebhookSecret == "" {
			return fmt.Errorf("WEBHOOK_SECRET is required outside development")
		}
	default:
		return fmt.Errorf("STATUS_BRIDGE must be one of log, postgres, sqlite, webhook, none; got %q", c.StatusBridge)
	}
	return nil
}
