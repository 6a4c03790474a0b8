package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"urlsentry/internal/model"
)

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Port int `yaml:"port"`
}

// DatabaseConfig configures the SQLite store
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// File represents the root of the YAML configuration
type File struct {
	LogLevel string           `yaml:"logLevel"`
	Engine   Options          `yaml:"engine"`
	Items    []map[string]any `yaml:"items"`
	Server   ServerConfig     `yaml:"server"`
	Database DatabaseConfig   `yaml:"database"`
}

// DefaultFile is the configuration used when no file is present
func DefaultFile() *File {
	return &File{
		LogLevel: "info",
		Engine:   Defaults(),
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{Path: "./urlsentry.db"},
	}
}

// Load reads the YAML file at path (if any) over the defaults and applies env overrides.
// A missing file is not an error.
func Load(path string) (*File, error) {
	cfg := DefaultFile()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			log.Debug().Str("config_path", path).Msg("[Config] Configuration file not found")
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse YAML: %w", err)
			}
			log.Info().Str("config_path", path).Int("items", len(cfg.Items)).Msg("[Config] Loaded configuration")
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (f *File) applyEnv() {
	f.LogLevel = getEnv("LOG_LEVEL", f.LogLevel)
	f.Database.Path = getEnv("DB_PATH", f.Database.Path)
	f.Server.Port = getEnvInt("PORT", f.Server.Port)
	f.Engine.RemoteEndpoint = getEnv("REMOTE_ENDPOINT", f.Engine.RemoteEndpoint)
	f.Engine.CallbackEndpoint = getEnv("CALLBACK_ENDPOINT", f.Engine.CallbackEndpoint)
	f.Engine.CheckIntervalMs = getEnvDuration("CHECK_INTERVAL", f.Engine.CheckInterval()).Milliseconds()
	f.Engine.SyncIntervalMs = getEnvDuration("SYNC_INTERVAL", f.Engine.SyncInterval()).Milliseconds()
}

// StaticItems converts the YAML-declared items into model items
func (f *File) StaticItems() ([]model.Item, error) {
	items := make([]model.Item, 0, len(f.Items))
	for i, raw := range f.Items {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("items[%d]: %w", i, err)
		}
		var it model.Item
		if err := json.Unmarshal(data, &it); err != nil {
			return nil, fmt.Errorf("items[%d]: %w", i, err)
		}
		items = append(items, it)
	}
	return items, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("[Config] Ignoring invalid integer")
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s") or bare milliseconds
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	log.Warn().Str("key", key).Str("value", v).Msg("[Config] Ignoring invalid duration")
	return fallback
}
