package storage

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDirCreatesSchema(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "node")

	db, err := OpenDir(dir)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, filepath.Join(dir, DefaultFileName), db.Path())

	version, err := GetSchemaVersion(db.SQL())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
	assert.NoError(t, ValidateSchema(db.SQL()))
}

func TestReopenKeepsVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	needs, current, target, err := NeedsMigration(db.SQL())
	require.NoError(t, err)
	assert.False(t, needs)
	assert.Equal(t, target, current)
}

func TestMigrateFromOldVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")

	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	require.NoError(t, migration1Up(raw))
	require.NoError(t, setSchemaVersion(raw, 1, "initial"))
	require.NoError(t, raw.Close())

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	version, err := GetSchemaVersion(db.SQL())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)

	backups, err := filepath.Glob(path + ".backup_*")
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestRejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.db")

	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	require.NoError(t, migration1Up(raw))
	require.NoError(t, setSchemaVersion(raw, CurrentSchemaVersion+1, "future"))
	require.NoError(t, raw.Close())

	_, err = Open(path)
	assert.Error(t, err)
}

func TestCloseTwice(t *testing.T) {
	db, err := OpenDir(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, db.Close())
	assert.ErrorIs(t, db.Close(), ErrDatabaseClosed)
}

func TestOpenDirFailsOnFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	_, err := OpenDir(file)
	assert.Error(t, err)
}
