// Package cli provides shared configuration and utilities for the dbmigrate
// CLI.
package cli

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	maxWalkDepth = 25

	// EnvironmentProduction requires TLS to the database unless sslmode is
	// set explicitly.
	EnvironmentProduction = "production"
)

// Config represents the dbmigrate configuration from dbmigrate.yaml.
type Config struct {
	Environment string `mapstructure:"environment" json:"environment"`

	Database DatabaseConfig `mapstructure:"database" json:"database"`
	Ledger   LedgerConfig   `mapstructure:"ledger" json:"ledger"`
	Backfill BackfillConfig `mapstructure:"backfill" json:"backfill"`
	Log      LogConfig      `mapstructure:"log" json:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics" json:"metrics"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver" json:"driver"`
	URL      string `mapstructure:"url" json:"url,omitempty"`
	Host     string `mapstructure:"host" json:"host,omitempty"`
	Port     int    `mapstructure:"port" json:"port"`
	Name     string `mapstructure:"name" json:"name,omitempty"`
	User     string `mapstructure:"user" json:"user,omitempty"`
	Password string `mapstructure:"password" json:"-"`
	SSLMode  string `mapstructure:"sslmode" json:"sslmode,omitempty"`
}

// LedgerConfig holds ledger table settings.
type LedgerConfig struct {
	Table     string `mapstructure:"table" json:"table"`
	Namespace string `mapstructure:"namespace" json:"namespace"`
	// Lock holds a run-wide lock so concurrent deploys queue up instead of
	// racing on the ledger.
	Lock bool `mapstructure:"lock" json:"lock"`
}

// BackfillConfig holds backfill settings.
type BackfillConfig struct {
	BatchSize int `mapstructure:"batch_size" json:"batch_size"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
}

// Redacted returns a copy of the config that is safe to print. The password
// in database.url is masked the way url.URL.Redacted masks it.
func (c *Config) Redacted() Config {
	r := *c
	if r.Database.URL == "" {
		return r
	}
	u, err := url.Parse(r.Database.URL)
	if err != nil {
		r.Database.URL = "(unparseable url redacted)"
		return r
	}
	r.Database.URL = u.Redacted()
	return r
}

// LoadConfig discovers and loads configuration with proper precedence:
// flags > env > config file > defaults.
//
// Returns the loaded config, the path to the config file (empty if none found),
// and any error encountered.
func LoadConfig(explicitConfigPath string) (*Config, string, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DBMIGRATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath, err := findConfigFile(explicitConfigPath)
	if err != nil {
		return nil, "", err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, configPath, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, configPath, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, configPath, err
	}

	return &cfg, configPath, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "")

	v.SetDefault("ledger.table", "schema_migrations")
	v.SetDefault("ledger.namespace", "")
	v.SetDefault("ledger.lock", true)

	v.SetDefault("backfill.batch_size", 500)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("metrics.enabled", false)
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "postgres", "postgresql", "pgx", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Backfill.BatchSize <= 0 {
		return fmt.Errorf("backfill.batch_size must be positive, got %d", c.Backfill.BatchSize)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// findConfigFile finds the config file to use.
// If explicitPath is provided, it validates the file exists.
// Otherwise, it walks up from cwd looking for dbmigrate.yaml or dbmigrate.yml,
// stopping at a .git directory or after maxWalkDepth levels.
func findConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicitPath)
		}
		return explicitPath, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting cwd: %w", err)
	}

	dir := cwd
	for i := 0; i < maxWalkDepth; i++ {
		for _, name := range []string{"dbmigrate.yaml", "dbmigrate.yml"} {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}

		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// IsSQLite reports whether the configured driver is SQLite.
func (c *Config) IsSQLite() bool {
	d := strings.ToLower(c.Database.Driver)
	return d == "sqlite" || d == "sqlite3"
}

// SSLMode returns the effective sslmode. An explicit setting wins; otherwise
// production requires TLS and every other environment disables it.
func (c *Config) SSLMode() string {
	if c.Database.SSLMode != "" {
		return c.Database.SSLMode
	}
	if strings.EqualFold(c.Environment, EnvironmentProduction) {
		return "require"
	}
	return "disable"
}

// DSN returns the database connection string.
// If database.url is set, it's returned directly.
// Otherwise, builds a DSN from discrete fields. For SQLite, database.name
// is the path of the database file.
func (c *Config) DSN() (string, error) {
	db := c.Database

	if db.URL != "" {
		return db.URL, nil
	}

	if c.IsSQLite() {
		if db.Name == "" {
			return "", fmt.Errorf("database.name is required when database.url is not set")
		}
		return "file:" + db.Name + "?_pragma=busy_timeout(5000)", nil
	}

	if db.Host == "" {
		return "", fmt.Errorf("database.host is required when database.url is not set")
	}
	if db.Name == "" {
		return "", fmt.Errorf("database.name is required when database.url is not set")
	}
	if db.User == "" {
		return "", fmt.Errorf("database.user is required when database.url is not set")
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   "/" + db.Name,
	}

	if db.Password != "" {
		u.User = url.UserPassword(db.User, db.Password)
	} else {
		u.User = url.User(db.User)
	}

	q := u.Query()
	q.Set("sslmode", c.SSLMode())
	u.RawQuery = q.Encode()

	return u.String(), nil
}
