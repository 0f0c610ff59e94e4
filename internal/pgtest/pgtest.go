// Package pgtest connects tests to a PostgreSQL instance described by the
// standard PG* environment variables, skipping when none is reachable.
package pgtest

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"libralend/internal/catalog/migrations"
)

// migrationLock serializes schema setup across test binaries sharing a database.
const migrationLock = 7_340_211

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

// DSN builds a lib/pq connection string from PGHOST, PGPORT, PGUSER,
// PGPASSWORD and PGDATABASE.
func DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		getEnv("PGHOST", "localhost"),
		getEnv("PGPORT", "5432"),
		getEnv("PGUSER", "user"),
		getEnv("PGPASSWORD", "password"),
		getEnv("PGDATABASE", "testdb"),
	)
}

// Open returns a migrated database handle, or skips t when PostgreSQL cannot
// be reached. The handle is closed when the test ends.
func Open(t testing.TB) *sqlx.DB {
	t.Helper()

	db, err := sqlx.Open("postgres", DSN())
	if err != nil {
		t.Fatalf("failed to open database connection: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("skipping: could not connect to postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	conn, err := db.Conn(context.Background())
	if err != nil {
		t.Fatalf("failed to reserve connection: %v", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_lock($1)", migrationLock); err != nil {
		t.Fatalf("failed to take migration lock: %v", err)
	}
	defer conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLock)

	if err := migrations.Up(db.DB); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}
