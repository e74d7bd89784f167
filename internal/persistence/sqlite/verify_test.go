package sqlite

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenAppliesPoolAndPragmas(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "open.sqlite")

	db, err := Open(dbPath, DefaultConfig())
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode;").Scan(&mode))
	require.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys;").Scan(&fk))
	require.Equal(t, 1, fk)
}

func TestVerifyIntegrityDetectsCorruption(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "corruptible.sqlite")

	db, err := Open(dbPath, DefaultConfig())
	require.NoError(t, err)

	// Populate enough rows that the file spans multiple pages.
	_, err = db.Exec("CREATE TABLE test (id INTEGER PRIMARY KEY, data TEXT);")
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		_, err = db.Exec("INSERT INTO test (data) VALUES (hex(randomblob(100)));")
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	issues, err := VerifyIntegrity(dbPath, "quick")
	require.NoError(t, err)
	require.Nil(t, issues, "fresh database must verify clean")

	// Overwrite bytes inside the second page to simulate on-disk damage.
	f, err := os.OpenFile(dbPath, os.O_RDWR, 0o644)
	require.NoError(t, err)
	corrupt := make([]byte, 100)
	_, _ = rand.Read(corrupt)
	_, err = f.WriteAt(corrupt, 4096)
	require.NoError(t, f.Close())
	require.NoError(t, err)

	issues, err = VerifyIntegrity(dbPath, "full")
	require.NoError(t, err)
	require.NotNil(t, issues, "corruption must surface as diagnostics")
}
