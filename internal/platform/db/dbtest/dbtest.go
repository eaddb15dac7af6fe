// Package dbtest opens a migrated, emptied PostgreSQL pool for repository
// tests. Tests are skipped unless TEST_DATABASE_URL names a disposable
// database; every table is truncated.
package dbtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/woundcare/woundcare/internal/platform/db"
)

// EnvURL is the variable holding the test database connection string.
const EnvURL = "TEST_DATABASE_URL"

// Pool returns a pool over a freshly truncated schema. The pool is closed
// when the test ends.
func Pool(t testing.TB) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv(EnvURL)
	if url == "" {
		t.Skipf("%s not set", EnvURL)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, url, 8, 1)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := db.NewMigrator(pool, db.EmbeddedMigrations()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE plan_tasks, treatment_plans, ai_analyses, wound_cases, patients RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return pool
}
