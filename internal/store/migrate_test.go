package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sqlitepersist "github.com/lockerfleet/locker-control/internal/persistence/sqlite"
)

func TestMigrateDetectsDrift(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drift.sqlite")
	ctx := context.Background()

	db, err := sqlitepersist.Open(path, sqlitepersist.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, migrate(ctx, db))

	// Simulate a tampered migration record: the checksum on file no
	// longer matches what's recorded as applied.
	_, err = db.Exec(`UPDATE schema_migrations SET checksum = 'deadbeef' WHERE version = 1`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := sqlitepersist.Open(path, sqlitepersist.DefaultConfig())
	require.NoError(t, err)
	defer db2.Close()

	err = migrate(ctx, db2)
	var driftErr *MigrationDriftError
	require.Error(t, err)
	require.ErrorAs(t, err, &driftErr)
	assert.Equal(t, 1, driftErr.Version)
}

func TestMigrateAppliesAllVersions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "full.sqlite")
	ctx := context.Background()

	db, err := sqlitepersist.Open(path, sqlitepersist.DefaultConfig())
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, migrate(ctx, db))

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count))
	assert.GreaterOrEqual(t, count, 2)

	// Re-running migrate is a no-op (idempotent).
	require.NoError(t, migrate(ctx, db))
	var count2 int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count2))
	assert.Equal(t, count, count2)
}
