// Package testutil provides test helpers including container management
// and in-memory transport connections.
package testutil

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cory-johannsen/gridlock/internal/config"
	"github.com/cory-johannsen/gridlock/internal/storage/postgres"
)

const (
	pgImage    = "postgres:16-alpine"
	pgUser     = "gridlock"
	pgPassword = "gridlock"
	pgDatabase = "gridlock_test"
)

// PostgresContainer is a disposable PostgreSQL instance with a connected
// Store.
type PostgresContainer struct {
	Store  *postgres.Store
	Config config.DatabaseConfig
}

// NewPostgresContainer starts PostgreSQL in a container and connects a Store
// to it. The container and pool are released when the test ends. Tests
// calling it are skipped in -short mode.
//
// Precondition: Docker must be available.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container skipped in short mode")
	}
	ctx := context.Background()
	start := time.Now()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        pgImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     pgUser,
				"POSTGRES_PASSWORD": pgPassword,
				"POSTGRES_DB":       pgDatabase,
			},
			// The server restarts once after init, so the line appears twice.
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(45 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "starting %s", pgImage)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5432")
	require.NoError(t, err)

	cfg := config.DatabaseConfig{
		Host:            host,
		Port:            port.Int(),
		User:            pgUser,
		Password:        pgPassword,
		Name:            pgDatabase,
		SSLMode:         "disable",
		MaxConns:        4,
		MinConns:        1,
		MaxConnLifetime: time.Minute,
	}
	store, err := postgres.NewStore(ctx, cfg)
	require.NoError(t, err, "connecting store")
	t.Cleanup(store.Close)

	t.Logf("postgres ready at %s:%d [%s]", host, cfg.Port, time.Since(start))
	return &PostgresContainer{Store: store, Config: cfg}
}

// ApplyMigrations runs the repository's migrations/ directory against the
// container, the same files cmd/migrate applies.
//
// Postcondition: The schema is at the latest version.
func (pc *PostgresContainer) ApplyMigrations(t *testing.T) {
	t.Helper()
	m, err := migrate.New("file://"+migrationsDir(t), pc.Config.DSN())
	require.NoError(t, err, "creating migrator")
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		require.NoError(t, err, "applying migrations")
	}
}

// migrationsDir locates migrations/ relative to this source file so tests
// work from any package directory.
func migrationsDir(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok, "locating testutil source")
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}
