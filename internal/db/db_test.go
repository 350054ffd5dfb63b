package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSqliteDB_Memory(t *testing.T) {
	database, err := NewSqliteDB()
	require.NoError(t, err)
	defer database.Close()

	_, err = database.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT);")
	require.NoError(t, err)

	// a second statement must see the same in-memory database
	_, err = database.Exec("INSERT INTO t (v) VALUES ('x');")
	require.NoError(t, err)
	var n int
	require.NoError(t, database.Get(&n, "SELECT COUNT(*) FROM t"))
	assert.Equal(t, 1, n)
}

func TestNewSqliteDB_File_CreatesParent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "state.db")

	database, err := NewSqliteDB(WithPath(dbPath))
	require.NoError(t, err)
	defer database.Close()

	assert.DirExists(t, filepath.Dir(dbPath))
	assert.FileExists(t, dbPath)
}

func TestNewSqliteDB_Migrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	migration := WithMigrations(
		"CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT);",
		"CREATE INDEX IF NOT EXISTS kv_v ON kv (v);",
	)

	database, err := NewSqliteDB(WithPath(dbPath), migration)
	require.NoError(t, err)
	_, err = database.Exec("INSERT INTO kv VALUES ('a', 'b');")
	require.NoError(t, err)
	require.NoError(t, database.Close())

	database, err = NewSqliteDB(WithPath(dbPath), migration)
	require.NoError(t, err)
	defer database.Close()
	var v string
	require.NoError(t, database.Get(&v, "SELECT v FROM kv WHERE k = 'a'"))
	assert.Equal(t, "b", v)
}

func TestNewSqliteDB_BadMigration(t *testing.T) {
	_, err := NewSqliteDB(WithMigrations("NOT SQL"))
	assert.Error(t, err)
}
