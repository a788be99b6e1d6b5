// Package config provides configuration for the tabledeck server and CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "TABLEDECK_"

// Config holds the configuration of a tabledeck server.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir" env:"DATA_DIR"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http" envPrefix:"HTTP_"`

	// gRPC configuration
	GRPC GRPCConfig `json:"grpc" yaml:"grpc" envPrefix:"GRPC_"`

	// Storage configuration for published decks
	Storage StorageConfig `json:"storage" yaml:"storage" envPrefix:"STORAGE_"`

	// Catalog configuration
	Catalog CatalogConfig `json:"catalog" yaml:"catalog" envPrefix:"CATALOG_"`

	// Notifier configuration for progress events
	Notifier NotifierConfig `json:"notifier" yaml:"notifier" envPrefix:"NOTIFIER_"`

	// Telemetry configuration
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry" envPrefix:"OTEL_"`

	// Projects configuration
	Projects ProjectsConfig `json:"projects" yaml:"projects" envPrefix:"PROJECTS_"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address for the REST API and websocket channel
	Addr string `json:"addr" yaml:"addr" env:"ADDR"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout" env:"READ_TIMEOUT"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" env:"WRITE_TIMEOUT"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout" env:"IDLE_TIMEOUT"`

	// AllowedOrigins lists CORS origins; empty allows none
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	// Addr is the gRPC server address
	Addr string `json:"addr" yaml:"addr" env:"ADDR"`

	// Enabled controls whether gRPC is enabled
	Enabled bool `json:"enabled" yaml:"enabled" env:"ENABLED"`
}

// StorageConfig holds storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type" env:"TYPE"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path" env:"PATH"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3" envPrefix:"S3_"`

	// DeckCacheMB bounds the in-memory cache of published decks; 0 disables it
	DeckCacheMB int `json:"deck_cache_mb" yaml:"deck_cache_mb" env:"DECK_CACHE_MB"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket" env:"BUCKET"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region" env:"REGION"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint" env:"ENDPOINT"`

	// UsePathStyle enables path-style addressing (MinIO)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style" env:"USE_PATH_STYLE"`

	// Prefix is prepended to every object key
	Prefix string `json:"prefix" yaml:"prefix" env:"PREFIX"`
}

// CatalogConfig holds project catalog configuration.
type CatalogConfig struct {
	// Path is the SQLite database file
	Path string `json:"path" yaml:"path" env:"PATH"`
}

// NotifierConfig holds progress event bus configuration.
type NotifierConfig struct {
	// BufferSize is the per-subscriber event buffer. A subscriber that lets
	// it fill up is disconnected.
	BufferSize int `json:"buffer_size" yaml:"buffer_size" env:"BUFFER_SIZE"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	// Enabled turns tracing on
	Enabled bool `json:"enabled" yaml:"enabled" env:"ENABLED"`

	// Endpoint is the OTLP/HTTP collector URL
	Endpoint string `json:"endpoint" yaml:"endpoint" env:"ENDPOINT"`

	// ServiceName is reported as service.name
	ServiceName string `json:"service_name" yaml:"service_name" env:"SERVICE_NAME"`
}

// ProjectsConfig holds project registry configuration.
type ProjectsConfig struct {
	// AutoAnalyze starts analysis as soon as a project is created
	AutoAnalyze bool `json:"auto_analyze" yaml:"auto_analyze" env:"AUTO_ANALYZE"`

	// PlanDir is searched for "<name>.yaml" plan files referenced by name
	PlanDir string `json:"plan_dir" yaml:"plan_dir" env:"PLAN_DIR"`

	// UploadDir receives datasets uploaded through the API
	UploadDir string `json:"upload_dir" yaml:"upload_dir" env:"UPLOAD_DIR"`

	// DatasetDir holds server-side datasets API clients may reference by path
	DatasetDir string `json:"dataset_dir" yaml:"dataset_dir" env:"DATASET_DIR"`

	// StatsWindow is how long idle projects keep pass statistics
	StatsWindow time.Duration `json:"stats_window" yaml:"stats_window" env:"STATS_WINDOW"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/tabledeck",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Storage: StorageConfig{
			Type:        "local",
			Path:        "",
			DeckCacheMB: 64,
		},
		Notifier: NotifierConfig{
			BufferSize: 64,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "tabledeck",
		},
		Projects: ProjectsConfig{
			StatsWindow: 24 * time.Hour,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/tabledeck"
	}

	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Catalog.Path == "" {
		c.Catalog.Path = filepath.Join(c.DataDir, "catalog.db")
	}
	if c.Projects.PlanDir == "" {
		c.Projects.PlanDir = filepath.Join(c.DataDir, "plans")
	}
	if c.Projects.UploadDir == "" {
		c.Projects.UploadDir = filepath.Join(c.DataDir, "uploads")
	}
	if c.Projects.DatasetDir == "" {
		c.Projects.DatasetDir = filepath.Join(c.DataDir, "datasets")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}

	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		return fmt.Errorf("grpc.addr is required when grpc is enabled")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Storage.DeckCacheMB < 0 {
		return fmt.Errorf("storage.deck_cache_mb must not be negative, got %d", c.Storage.DeckCacheMB)
	}

	if c.Notifier.BufferSize < 1 || c.Notifier.BufferSize > 65536 {
		return fmt.Errorf("notifier.buffer_size must be between 1 and 65536, got %d", c.Notifier.BufferSize)
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv overrides cfg with environment variables.
// Environment variables use the TABLEDECK_ prefix, for example
// TABLEDECK_HTTP_ADDR or TABLEDECK_STORAGE_S3_BUCKET. Unset variables leave
// the current value untouched.
func LoadFromEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.Catalog.Path),
		c.Projects.UploadDir,
		c.Projects.DatasetDir,
		c.Projects.PlanDir,
	}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
