package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Database       DatabaseConfig            `mapstructure:"database" yaml:"database" validate:"required"`
	Vault          VaultConfig               `mapstructure:"vault" yaml:"vault" validate:"required"`
	Sync           SyncConfig                `mapstructure:"sync" yaml:"sync"`
	IgnorePatterns []string                  `mapstructure:"ignore_patterns" yaml:"ignore_patterns"`
	Providers      map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host" yaml:"host" validate:"required"`
	Port     int    `mapstructure:"port" yaml:"port" validate:"required,min=1,max=65535"`
	User     string `mapstructure:"user" yaml:"user" validate:"required"`
	Password string `mapstructure:"password" yaml:"password" validate:"required"`
	Database string `mapstructure:"database" yaml:"database" validate:"required"`
	Schema   string `mapstructure:"schema" yaml:"schema"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

// VaultConfig holds the credential encryption key
type VaultConfig struct {
	EncryptionKey string `mapstructure:"encryption_key" yaml:"encryption_key" validate:"required"`
}

// SyncConfig holds reconciliation behavior settings
type SyncConfig struct {
	PageSize            int `mapstructure:"page_size" yaml:"page_size" validate:"min=1,max=1000"`
	RetryAttempts       int `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryInitialMs      int `mapstructure:"retry_initial_ms" yaml:"retry_initial_ms"`
	PollIntervalMinutes int `mapstructure:"poll_interval_minutes" yaml:"poll_interval_minutes" validate:"min=1"`
}

// ProviderConfig holds OAuth client settings for one provider kind
type ProviderConfig struct {
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`
	RedirectURI  string `mapstructure:"redirect_uri" yaml:"redirect_uri"`
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, sslMode,
	)
	if d.Schema != "" {
		connStr += "&search_path=" + d.Schema + ",public"
	}
	return connStr
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Port:    5432,
			Schema:  "cloudsync",
			SSLMode: "require",
		},
		Sync: SyncConfig{
			PageSize:            100,
			RetryAttempts:       3,
			RetryInitialMs:      1000,
			PollIntervalMinutes: 30,
		},
		IgnorePatterns: []string{
			"**/.DS_Store",
			"**/Thumbs.db",
			".trash/**",
		},
	}
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("database.port", defaults.Database.Port)
	v.SetDefault("database.schema", defaults.Database.Schema)
	v.SetDefault("database.sslmode", defaults.Database.SSLMode)
	v.SetDefault("sync.page_size", defaults.Sync.PageSize)
	v.SetDefault("sync.retry_attempts", defaults.Sync.RetryAttempts)
	v.SetDefault("sync.retry_initial_ms", defaults.Sync.RetryInitialMs)
	v.SetDefault("sync.poll_interval_minutes", defaults.Sync.PollIntervalMinutes)
	v.SetDefault("ignore_patterns", defaults.IgnorePatterns)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("CLOUDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is okay if we have environment variables
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Secrets may be referenced indirectly, e.g. password: ${PGPASSWORD}
	cfg.Database.Password = os.ExpandEnv(cfg.Database.Password)
	cfg.Vault.EncryptionKey = os.ExpandEnv(cfg.Vault.EncryptionKey)
	for kind, pc := range cfg.Providers {
		pc.ClientSecret = os.ExpandEnv(pc.ClientSecret)
		cfg.Providers[kind] = pc
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// GetStateDir returns the directory for storing the config file, creating it
// if needed
func GetStateDir() (string, error) {
	dir := getConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}
	return dir, nil
}

// getConfigDir returns the appropriate config directory for the OS
func getConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "cloudsync-pg")
		}
		return filepath.Join(os.Getenv("USERPROFILE"), ".config", "cloudsync-pg")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "cloudsync-pg")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "cloudsync-pg")
	}
}
