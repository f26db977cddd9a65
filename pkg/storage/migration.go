package storage

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Storage schema version constants
const (
	// CurrentSchemaVersion is the current database schema version
	CurrentSchemaVersion = 3

	// MinSchemaVersion is the minimum supported schema version
	MinSchemaVersion = 1
)

// MigrationFunc performs a schema migration
type MigrationFunc func(db *sql.DB) error

// Migration is a single schema step
type Migration struct {
	Version     int
	Description string
	Up          MigrationFunc
	Down        MigrationFunc
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with version tracking",
		Up:          migration1Up,
		Down:        migration1Down,
	},
	{
		Version:     2,
		Description: "Feed blocks",
		Up:          migration2Up,
		Down:        migration2Down,
	},
	{
		Version:     3,
		Description: "Party registry",
		Up:          migration3Up,
		Down:        migration3Down,
	},
}

// GetSchemaVersion returns the schema version recorded in db, 0 for a fresh database
func GetSchemaVersion(db *sql.DB) (int, error) {
	query := `SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'`
	var tableName string
	err := db.QueryRow(query).Scan(&tableName)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}

	// most recently inserted row wins
	query = `SELECT version FROM schema_version ORDER BY ROWID DESC LIMIT 1`
	var version int
	err = db.QueryRow(query).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}

	return version, nil
}

func setSchemaVersion(db *sql.DB, version int, comment string) error {
	query := `INSERT INTO schema_version (version, applied_at, comment) VALUES (?, ?, ?)`
	if _, err := db.Exec(query, version, time.Now().Unix(), comment); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// NeedsMigration reports whether db is behind CurrentSchemaVersion
func NeedsMigration(db *sql.DB) (bool, int, int, error) {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return false, 0, 0, err
	}
	return currentVersion < CurrentSchemaVersion, currentVersion, CurrentSchemaVersion, nil
}

// RunMigrations applies every pending migration in order. Existing databases
// are copied to a timestamped backup first.
func RunMigrations(db *sql.DB, path string, logger zerolog.Logger) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion == CurrentSchemaVersion {
		return nil
	}

	if currentVersion > CurrentSchemaVersion {
		return fmt.Errorf("database schema version (%d) is newer than supported version (%d) - please upgrade software",
			currentVersion, CurrentSchemaVersion)
	}

	var backupPath string
	if currentVersion > 0 {
		backupPath, err = createBackup(path)
		if err != nil {
			return fmt.Errorf("failed to create backup: %w", err)
		}
		logger.Info().Str("backup", backupPath).Msg("created database backup")
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}
		if migration.Version > CurrentSchemaVersion {
			break
		}

		logger.Debug().Int("version", migration.Version).Str("description", migration.Description).Msg("running migration")

		// not in a transaction for SQLite compatibility
		if err := migration.Up(db); err != nil {
			return fmt.Errorf("migration %d failed: %w (backup available at %s)",
				migration.Version, err, backupPath)
		}

		if err := setSchemaVersion(db, migration.Version, migration.Description); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

func createBackup(path string) (string, error) {
	backupPath := fmt.Sprintf("%s.backup_%s", path, time.Now().Format("20060102_150405"))

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(backupPath, data, 0644); err != nil {
		return "", err
	}
	return backupPath, nil
}

// ValidateSchema checks the recorded version and the required tables
func ValidateSchema(db *sql.DB) error {
	version, err := GetSchemaVersion(db)
	if err != nil {
		return err
	}

	if version < MinSchemaVersion {
		return fmt.Errorf("schema version %d is too old (minimum: %d) - migration required", version, MinSchemaVersion)
	}

	if version > CurrentSchemaVersion {
		return fmt.Errorf("schema version %d is too new (current: %d) - software upgrade required", version, CurrentSchemaVersion)
	}

	for _, table := range []string{"schema_version", "blocks", "parties"} {
		query := `SELECT name FROM sqlite_master WHERE type='table' AND name=?`
		var tableName string
		err := db.QueryRow(query, table).Scan(&tableName)
		if err == sql.ErrNoRows {
			return fmt.Errorf("required table missing: %s", table)
		}
		if err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
	}

	return nil
}

func migration1Up(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL,
			applied_at INTEGER NOT NULL,
			comment TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_schema_version ON schema_version(version);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}
	return nil
}

func migration1Down(db *sql.DB) error {
	_, err := db.Exec(`DROP TABLE IF EXISTS schema_version`)
	return err
}

func migration2Up(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS blocks (
			feed_key TEXT NOT NULL,
			idx INTEGER NOT NULL,
			data BLOB NOT NULL,
			signature BLOB NOT NULL,
			stored_at INTEGER NOT NULL,
			PRIMARY KEY (feed_key, idx)
		);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create blocks table: %w", err)
	}
	return nil
}

func migration2Down(db *sql.DB) error {
	_, err := db.Exec(`DROP TABLE IF EXISTS blocks`)
	return err
}

func migration3Up(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS parties (
			discovery_key TEXT PRIMARY KEY,
			key TEXT NOT NULL UNIQUE,
			rules TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_parties_created_at ON parties(created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create parties table: %w", err)
	}
	return nil
}

func migration3Down(db *sql.DB) error {
	_, err := db.Exec(`DROP TABLE IF EXISTS parties`)
	return err
}
