package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	postgres "github.com/CareRoute-Health/transport-dispatch-api/internal/adapters/postgres"
)

// schemaSQL mirrors the deployment migrations closely enough for contract
// tests. Contract tests run against a throwaway database named by
// TEST_DATABASE_URL; when the variable is unset the postgres suites skip.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS transport_requests (
	external_id        UUID PRIMARY KEY,
	requester_id       TEXT NOT NULL,
	patient_descriptor TEXT NOT NULL,
	pickup_label       TEXT NOT NULL,
	pickup_address     TEXT,
	pickup_lat         DOUBLE PRECISION,
	pickup_lon         DOUBLE PRECISION,
	dest_label         TEXT NOT NULL,
	dest_address       TEXT,
	dest_lat           DOUBLE PRECISION,
	dest_lon           DOUBLE PRECISION,
	priority           TEXT NOT NULL,
	status             TEXT NOT NULL,
	fulfiller_id       TEXT,
	requested_at       TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS assignments (
	external_id       UUID PRIMARY KEY,
	request_id        UUID NOT NULL REFERENCES transport_requests (external_id),
	fulfiller_id      TEXT NOT NULL,
	status            TEXT NOT NULL,
	assigned_at       TIMESTAMPTZ NOT NULL,
	estimated_arrival TIMESTAMPTZ NOT NULL,
	actual_arrival    TIMESTAMPTZ,
	completed_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS profiles (
	user_id       TEXT PRIMARY KEY,
	subject_iss   TEXT NOT NULL,
	subject_sub   TEXT NOT NULL,
	email         TEXT NOT NULL,
	display_name  TEXT NOT NULL,
	declared_role TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	CONSTRAINT profiles_subject_unique UNIQUE (subject_iss, subject_sub)
);

CREATE TABLE IF NOT EXISTS claims (
	user_id    TEXT PRIMARY KEY,
	claim_role TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	idempotency_key TEXT NOT NULL,
	subject_iss     TEXT NOT NULL,
	subject_sub     TEXT NOT NULL,
	method          TEXT NOT NULL,
	route           TEXT NOT NULL,
	body_hash       TEXT NOT NULL,
	status_code     INT NOT NULL,
	content_type    TEXT NOT NULL,
	body            BYTEA NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (idempotency_key, subject_iss, subject_sub, method, route, body_hash)
);
`

// OpenMigratedPool returns a pool against a migrated, truncated test
// database, skipping the test when TEST_DATABASE_URL is not configured.
func OpenMigratedPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping postgres contract tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.NewPool(ctx, dsn, postgres.PoolOptions{})
	if err != nil {
		t.Fatalf("open test pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		TRUNCATE assignments, transport_requests, profiles, claims, idempotency_keys
	`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return pool
}
