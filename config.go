package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"urlsentry/internal/config"
	"urlsentry/internal/model"
)

// settings is the resolved host configuration: file, then environment, then flags
type settings struct {
	file  *config.File
	items []model.Item
}

// loadSettings reads the YAML file named by --config and applies command line overrides
func loadSettings(cmd *cobra.Command) (*settings, error) {
	path, _ := cmd.Flags().GetString("config")
	file, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if cmd.Flags().Lookup("port") != nil {
		if port, _ := cmd.Flags().GetInt("port"); port > 0 {
			file.Server.Port = port
		}
	}
	if cmd.Flags().Lookup("db") != nil {
		if db, _ := cmd.Flags().GetString("db"); db != "" {
			file.Database.Path = db
		}
	}

	// the file level only applies when --log-level was not given
	if level, _ := cmd.Flags().GetString("log-level"); level == "" && file.LogLevel != "" {
		if lvl, err := zerolog.ParseLevel(file.LogLevel); err == nil {
			zerolog.SetGlobalLevel(lvl)
		} else {
			log.Warn().Str("level", file.LogLevel).Msg("[Config] Unknown log level in config file")
		}
	}

	items, err := file.StaticItems()
	if err != nil {
		return nil, fmt.Errorf("invalid items in %s: %w", path, err)
	}

	log.Info().Str("config_path", path).Str("db_path", file.Database.Path).Int("port", file.Server.Port).
		Int("static_items", len(items)).Str("remote", file.Engine.RemoteEndpoint).Msg("[Config] Configuration loaded")
	return &settings{file: file, items: items}, nil
}
