package duckdb

import (
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/meshcompute/meshd/internal/core/ports"
)

// Repository is the DuckDB-backed persistent store for jobs, invoices, agent
// state, and trajectories. It is the single point of truth between the
// subscription consumer and the payment poller.
type Repository struct {
	db *sql.DB
}

var (
	_ ports.JobStore   = (*Repository)(nil)
	_ ports.AgentStore = (*Repository)(nil)
)

func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb at %s: %w", path, err)
	}
	r := &Repository{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id           TEXT PRIMARY KEY,
			requester    TEXT NOT NULL,
			provider     TEXT NOT NULL,
			kind         TEXT NOT NULL,
			input        TEXT NOT NULL,
			invoice_id   TEXT,
			status       TEXT NOT NULL,
			result       TEXT,
			error        TEXT,
			created_at   TIMESTAMP NOT NULL,
			updated_at   TIMESTAMP NOT NULL,
			paid_at      TIMESTAMP,
			completed_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS invoices (
			id              TEXT PRIMARY KEY,
			job_id          TEXT NOT NULL,
			amount_msat     BIGINT NOT NULL,
			payment_request TEXT NOT NULL,
			payment_hash    TEXT NOT NULL,
			status          TEXT NOT NULL,
			created_at      TIMESTAMP NOT NULL,
			paid_at         TIMESTAMP,
			ttl_ms          BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_state (
			id              TEXT PRIMARY KEY,
			lifecycle       TEXT NOT NULL,
			balance_msat    BIGINT NOT NULL,
			daily_burn_msat BIGINT NOT NULL,
			budget          TEXT NOT NULL,
			schedule        TEXT NOT NULL,
			goal            TEXT,
			tick_count      BIGINT NOT NULL,
			updated_at      TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trajectories (
			agent_id     TEXT NOT NULL,
			tick_id      TEXT NOT NULL,
			trigger      TEXT NOT NULL,
			observations TEXT,
			reasoning    TEXT,
			actions      TEXT,
			cost_msat    BIGINT NOT NULL,
			job_ids      TEXT,
			outcome      TEXT NOT NULL,
			recorded_at  TIMESTAMP NOT NULL,
			PRIMARY KEY (agent_id, tick_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
