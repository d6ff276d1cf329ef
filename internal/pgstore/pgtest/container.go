//go:build integration

// Package pgtest starts a throwaway Postgres for integration tests.
package pgtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/withObsrvr/privacy-replay/internal/pgstore"
)

// Start runs postgres in a container, applies the schema and returns a pool.
// The container is terminated when the test finishes. Skips the test when Docker is unavailable.
func Start(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	port := nat.Port("5432/tcp")
	dsnFor := func(host string, p nat.Port) string {
		return fmt.Sprintf("postgres://replay:secret@%s:%s/replay?sslmode=disable", host, p.Port())
	}

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"POSTGRES_USER":     "replay",
			"POSTGRES_PASSWORD": "secret",
			"POSTGRES_DB":       "replay",
		},
		WaitingFor: wait.ForSQL(port, "pgx", dsnFor).WithStartupTimeout(2 * time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("resolve host: %v", err)
	}
	mappedPort, err := container.MappedPort(ctx, port)
	if err != nil {
		t.Fatalf("resolve port: %v", err)
	}

	pool, err := pgstore.Connect(ctx, pgstore.Config{DSN: dsnFor(host, mappedPort), MaxConns: 8})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := pgstore.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}
