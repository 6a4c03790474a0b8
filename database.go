package main

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"urlsentry/internal/store"
)

// openStore opens the SQLite state database, creating its directory first (for Docker volumes)
func openStore(dbPath string) (*store.GormStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Warn().Err(err).Str("directory", dir).Msg("[Store] Could not create database directory")
		}
	}
	return store.OpenSQLite(dbPath)
}
