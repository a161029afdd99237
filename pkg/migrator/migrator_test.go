package migrator_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/dls"
	"github.com/pthm/dls/internal/testutil"
	"github.com/pthm/dls/pkg/migrator"
	dlssql "github.com/pthm/dls/sql"
)

func TestComputeSchemaChecksum(t *testing.T) {
	a := migrator.ComputeSchemaChecksum("CREATE TABLE a ();")
	assert.Len(t, a, 64)
	assert.Equal(t, a, migrator.ComputeSchemaChecksum("CREATE TABLE a ();"))
	assert.NotEqual(t, a, migrator.ComputeSchemaChecksum("CREATE TABLE b ();"))
	assert.Equal(t, migrator.ComputeSchemaChecksum(dlssql.SchemaSQL), migrator.NewMigrator(nil).Checksum())
}

func TestDryRun(t *testing.T) {
	var buf bytes.Buffer
	// A dry run never touches the database.
	skipped, err := migrator.MigrateWithOptions(context.Background(), nil, migrator.MigrateOptions{DryRun: &buf})
	require.NoError(t, err)
	assert.False(t, skipped)

	out := buf.String()
	assert.Contains(t, out, "-- DLS Migration (dry-run)")
	assert.Contains(t, out, "CREATE TABLE IF NOT EXISTS dls_grant")
	assert.Contains(t, out, "Seed: System Groups (2 groups)")
	assert.Contains(t, out, "'"+dls.SuperuserGroupName+"'")
	assert.Contains(t, out, dls.ActiveUsersGroupUUID.String())
	assert.Contains(t, out, "INSERT INTO dls_migrations")
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()
	db := testutil.EmptyDB(t)
	m := migrator.NewMigrator(db)

	status, err := m.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, dlssql.Tables, status.MissingTables)
	assert.Nil(t, status.Last)
	assert.False(t, status.UpToDate)

	skipped, err := m.Migrate(ctx, migrator.MigrateOptions{})
	require.NoError(t, err)
	assert.False(t, skipped)

	status, err = m.GetStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, status.MissingTables)
	assert.Empty(t, status.MissingGroups)
	require.NotNil(t, status.Last)
	assert.Equal(t, m.Checksum(), status.Last.SchemaChecksum)
	assert.Equal(t, dlssql.Tables, status.Last.Tables)
	assert.True(t, status.UpToDate)

	t.Run("unchanged schema is skipped", func(t *testing.T) {
		skipped, err := m.Migrate(ctx, migrator.MigrateOptions{})
		require.NoError(t, err)
		assert.True(t, skipped)
	})

	t.Run("force reapplies idempotently", func(t *testing.T) {
		skipped, err := m.Migrate(ctx, migrator.MigrateOptions{Force: true})
		require.NoError(t, err)
		assert.False(t, skipped)

		var n int
		require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dls_subject WHERE source = 'system'`).Scan(&n))
		assert.Equal(t, 2, n)
	})
}
