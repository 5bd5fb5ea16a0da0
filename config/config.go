package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the marketstate service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN assembles a postgres connection string from the configured fields.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	host := p.Host
	port := p.Port
	db := p.DBName
	ssl := p.SSLMode
	if host == "" || db == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	if port == "" {
		port = "5432"
	}
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, host, port, db, ssl), nil
}

// RedisConfig contains Redis connection settings. Redis is optional: when the
// host is empty the engine serializes ticker updates with in-process locks only.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a Redis endpoint is configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

func (r RedisConfig) Validate() error {
	if !r.Enabled() {
		return nil
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required when host is set")
	}
	return nil
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	Provider   string        `mapstructure:"provider"` // hash, openai
	Model      string        `mapstructure:"model"`
	Dimensions int           `mapstructure:"dimensions"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

func (e EmbeddingConfig) Validate() error {
	switch e.Provider {
	case "", "hash", "openai":
	default:
		return fmt.Errorf("embedding.provider must be hash or openai, got %q", e.Provider)
	}
	if e.Dimensions < 0 {
		return fmt.Errorf("embedding.dimensions cannot be negative")
	}
	return nil
}

// RetrievalConfig tunes context retrieval defaults.
type RetrievalConfig struct {
	DefaultTopK int `mapstructure:"default_top_k"`
}

// Normalize applies defaults for unset retrieval values.
func (r RetrievalConfig) Normalize() RetrievalConfig {
	if r.DefaultTopK <= 0 {
		r.DefaultTopK = 6
	}
	return r
}

// ReconcileConfig tunes the reconciliation engine.
type ReconcileConfig struct {
	SnapshotWindow      int           `mapstructure:"snapshot_window"`
	RecentCatalysts     int           `mapstructure:"recent_catalysts"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	LockTTL             time.Duration `mapstructure:"lock_ttl"`
}

// Normalize applies defaults for unset reconcile values.
func (r ReconcileConfig) Normalize() ReconcileConfig {
	if r.SnapshotWindow <= 0 {
		r.SnapshotWindow = 50
	}
	if r.RecentCatalysts <= 0 {
		r.RecentCatalysts = 10
	}
	if r.SimilarityThreshold <= 0 {
		r.SimilarityThreshold = 0.4
	}
	if r.LockTTL <= 0 {
		r.LockTTL = 30 * time.Second
	}
	return r
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("server.address", ":10020")
	viper.SetDefault("embedding.provider", "hash")
	viper.SetDefault("embedding.dimensions", 16)
	viper.SetDefault("retrieval.default_top_k", 6)
	viper.SetDefault("reconcile.snapshot_window", 50)
	viper.SetDefault("reconcile.recent_catalysts", 10)
	viper.SetDefault("reconcile.similarity_threshold", 0.4)
	viper.SetDefault("reconcile.lock_ttl", 30*time.Second)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("MARKETSTATE")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Retrieval = config.Retrieval.Normalize()
	config.Reconcile = config.Reconcile.Normalize()

	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	if err := config.Embedding.Validate(); err != nil {
		panic(err)
	}
	return &config
}
