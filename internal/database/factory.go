package database

import (
	"fmt"
	"os"
	"path/filepath"

	"cardshelf/internal/config"
	"cardshelf/internal/shelf"
)

// IndexFileName is the database file created under data_dir.
const IndexFileName = "cardshelf.db"

// NewDatabaseFromConfig opens the index described by cfg and migrates it to
// the latest schema.
func NewDatabaseFromConfig(cfg config.DatabaseConfig, clock shelf.Clock, idgen shelf.IDGenerator) (*SQLiteDatabase, error) {
	var path string
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		path = filepath.Join(cfg.DataDir, IndexFileName)
	case "memory":
		path = ":memory:"
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}

	db, err := NewSQLiteDatabase(path, clock, idgen)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}
	return db, nil
}
