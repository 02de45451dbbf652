package store

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"
)

func TestMigrationsRoundTripPostgres(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}


	first, err := ApplyMigrations(ctx, db, testMigrationsDir)
	if err != nil {
		t.Fatalf("apply up migrations (pass 1): %v", err)
	}
	if len(first) == 0 {
		t.Fatal("expected pass 1 to apply migrations")
	}

	again, err := ApplyMigrations(ctx, db, testMigrationsDir)
	if err != nil {
		t.Fatalf("re-apply up migrations: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no pending migrations, got %v", again)
	}

	rolledBack, err := RollbackMigrations(ctx, db, testMigrationsDir)
	if err != nil {
		t.Fatalf("apply down migrations: %v", err)
	}
	if len(rolledBack) != len(first) || rolledBack[0] != first[len(first)-1] {
		t.Fatalf("expected rollback in reverse order of %v, got %v", first, rolledBack)
	}

	second, err := ApplyMigrations(ctx, db, testMigrationsDir)
	if err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}
	if len(second) != len(first) {
		t.Fatalf("expected %d migrations on pass 2, got %v", len(first), second)
	}
}

// openTestDB connects to FLEET_TEST_DATABASE_URL or skips the test.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test skipped in -short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("FLEET_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("FLEET_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := Open(ctx, dsn, PoolOptions{MaxOpenConns: 4, ApplicationName: "fleetsync-test"})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}
