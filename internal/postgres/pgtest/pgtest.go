// Package pgtest starts disposable PostgreSQL containers for integration tests.
package pgtest

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/phojnacki/inventory-sync/internal/postgres"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DatabaseName is the database created inside every container.
const DatabaseName = "testdb"

// StartContainer runs postgres:16-alpine and returns its DSN. The container is
// terminated through t.Cleanup.
func StartContainer(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase(DatabaseName),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	return dsn
}

// MigrationsDir returns the absolute path of migrations/<service> in this repository.
func MigrationsDir(service string) string {
	_, file, _, _ := runtime.Caller(0)

	return filepath.Join(filepath.Dir(file), "..", "..", "..", "migrations", service)
}

// Connect starts a container, applies the service migrations and returns a
// connected client.
func Connect(t *testing.T, service string) *postgres.Client {
	t.Helper()

	dsn := StartContainer(t)

	client, err := postgres.New(postgres.Config{
		PrimaryDSN:     dsn,
		DatabaseName:   DatabaseName,
		MigrationsPath: MigrationsDir(service),
	})
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))

	t.Cleanup(func() { _ = client.Close() })

	return client
}
