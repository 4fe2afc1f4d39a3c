package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectDialectFromDSN(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost:5432/besitos": DialectPostgres,
		"host=localhost user=u dbname=besitos":  DialectPostgres,
		"file:besitos.db":                       DialectSQLite,
		"sqlite://data/besitos.db":              DialectSQLite,
		"besitos.db":                            DialectSQLite,
	}
	for dsn, want := range cases {
		got, err := detectDialectFromDSN(dsn)
		require.NoError(t, err, dsn)
		assert.Equal(t, want, got, dsn)
	}

	_, err := detectDialectFromDSN("mysql://localhost/besitos")
	assert.Error(t, err)
}

func TestSQLitePathFromDSN(t *testing.T) {
	assert.Equal(t, "data/besitos.db", sqlitePathFromDSN("file:data/besitos.db?_pragma=x"))
	assert.Equal(t, "", sqlitePathFromDSN("file::memory:"))
}

func TestNormalizeSQLiteDSN(t *testing.T) {
	const pragmas = "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)"
	assert.Equal(t, "file:data/b.db?"+pragmas, normalizeSQLiteDSN("sqlite://data/b.db"))
	assert.Equal(t, "file:besitos.db?"+pragmas, normalizeSQLiteDSN("besitos.db"))
	assert.Equal(t, "file:b.db?mode=rwc&"+pragmas, normalizeSQLiteDSN("file:b.db?mode=rwc"))
	assert.Equal(t,
		"file:b.db?_pragma=busy_timeout(100)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)",
		normalizeSQLiteDSN("file:b.db?_pragma=busy_timeout(100)"))
	assert.Equal(t, "data/b.db", sqlitePathFromDSN(normalizeSQLiteDSN("sqlite://data/b.db")))
}

func TestOpenSQLiteConfiguresEveryPooledConnection(t *testing.T) {
	conn, err := Open(filepath.Join(t.TempDir(), "besitos.db"))
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	ctx := context.Background()
	var held []*sql.Conn
	for i := 0; i < 3; i++ {
		c, err := sqlDB.Conn(ctx)
		require.NoError(t, err)
		held = append(held, c)

		var timeout, fk int
		require.NoError(t, c.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout))
		require.NoError(t, c.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk))
		assert.Equal(t, 5000, timeout, "connection %d", i)
		assert.Equal(t, 1, fk, "connection %d", i)
	}
	for _, c := range held {
		require.NoError(t, c.Close())
	}
}

func TestMigrateCreatesEngineTables(t *testing.T) {
	conn, err := OpenMemory(t.Name())
	require.NoError(t, err)
	require.NoError(t, Migrate(conn))

	for _, table := range []string{
		"accounts", "ledger_transactions", "levels", "rewards", "user_rewards",
		"missions", "mission_rewards", "mission_progress", "streaks", "templates",
	} {
		assert.True(t, conn.Migrator().HasTable(table), "missing table %s", table)
	}
}
