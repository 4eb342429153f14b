// Package testutil starts a throwaway PostgreSQL (with pgvector) for integration tests.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/cuongbtq/index-queue/migrations"
	"github.com/cuongbtq/index-queue/shared/postgresql"
	"github.com/jmoiron/sqlx"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

const postgresImage = "pgvector/pgvector:pg17"

// DiscardLogger returns a logger that drops every record
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewTestDB starts a Postgres container, applies migrations and returns the handle.
// The test is skipped under -short or when no container provider is reachable.
func NewTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()

	pgCtr, err := tcpostgres.Run(ctx,
		postgresImage,
		tcpostgres.WithDatabase("index_queue_test"),
		tcpostgres.WithUsername("index_queue"),
		tcpostgres.WithPassword("testpassword"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgCtr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	connStr, err := pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	client, err := postgresql.Open(connStr, DiscardLogger())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	if err := client.Migrate(migrations.FS); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	return client.GetDB()
}
