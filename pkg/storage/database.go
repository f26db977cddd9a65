// Package storage opens the node's SQLite database and keeps its schema current
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/ZentaChain/zentalk-replicator/pkg/logging"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrDatabaseClosed = errors.New("database closed")
)

// DefaultFileName is the database file created inside a data directory
const DefaultFileName = "replicator.db"

// DB is the SQLite database shared by feed storage and the party registry
type DB struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

// OpenDir opens (or creates) the database inside dataDir
func OpenDir(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return Open(filepath.Join(dataDir, DefaultFileName))
}

// Open opens the database at path and runs pending migrations
func Open(path string) (*DB, error) {
	logger := logging.Logger("storage")

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	needs, current, target, err := NeedsMigration(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to check migration status: %w", err)
	}

	if needs {
		logger.Info().Int("from", current).Int("to", target).Str("path", path).Msg("migrating database")
		if err := RunMigrations(db, path, logger); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	} else if err := ValidateSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	return &DB{db: db, path: path, logger: logger}, nil
}

// SQL returns the underlying handle
func (d *DB) SQL() *sql.DB {
	return d.db
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// Close closes the database connection
func (d *DB) Close() error {
	if d.db == nil {
		return ErrDatabaseClosed
	}
	err := d.db.Close()
	d.db = nil
	return err
}
