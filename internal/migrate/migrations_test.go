package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"safeline/internal/db"
	"safeline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ctx := context.Background()
	v, err := migrate.Version(ctx, conn)
	require.Error(t, err, "schema_version does not exist before the first run")
	require.Zero(t, v)

	require.NoError(t, migrate.Migrate(conn))
	require.NoError(t, migrate.Migrate(conn))

	all, err := migrate.Available()
	require.NoError(t, err)
	require.NotEmpty(t, all)

	v, err = migrate.Version(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, all[len(all)-1].Version, v)

	for _, table := range []string{"operations", "operation_transitions", "leases", "events"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}
