package store

import (
	"context"
	"fmt"
)

// Schema statements are written in the dialect subset shared by Postgres
// and SQLite so one migration path serves both drivers.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		handle TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS projects (
		project_id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		treasury_address TEXT NOT NULL DEFAULT '',
		monthly_budget BIGINT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS proposals (
		proposal_id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bounties (
		bounty_id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		title TEXT NOT NULL,
		amount BIGINT NOT NULL,
		status TEXT NOT NULL,
		assignee_id TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_events (
		event_id TEXT PRIMARY KEY,
		idempotency_key TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		account TEXT NOT NULL,
		amount BIGINT NOT NULL,
		source TEXT NOT NULL,
		ref_type TEXT,
		ref_id TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_events_account ON ledger_events (account, created_at)`,
	`CREATE TABLE IF NOT EXISTS outbox_tasks (
		task_id TEXT PRIMARY KEY,
		idempotency_key TEXT UNIQUE,
		task_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		result TEXT,
		tx_hash TEXT,
		last_error TEXT,
		locked_by TEXT,
		locked_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_tasks_claim ON outbox_tasks (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS reconciliation_reports (
		report_id TEXT PRIMARY KEY,
		subject_kind TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		address TEXT NOT NULL,
		ledger_balance BIGINT NOT NULL,
		onchain_balance BIGINT,
		delta BIGINT,
		ready BOOLEAN NOT NULL,
		blocked_reason TEXT,
		computed_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_recon_subject ON reconciliation_reports (subject_kind, subject_id, computed_at)`,
	`CREATE TABLE IF NOT EXISTS spend_policies (
		project_id TEXT PRIMARY KEY,
		per_bounty_cap BIGINT,
		per_day_cap BIGINT,
		per_month_cap BIGINT,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS oracle_nonces (
		request_id TEXT PRIMARY KEY,
		seen_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS oracle_attempts (
		attempt_id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		oracle_id TEXT NOT NULL,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		signature_status TEXT NOT NULL,
		outcome TEXT NOT NULL,
		remote_addr TEXT NOT NULL DEFAULT '',
		attempted_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		event_id TEXT PRIMARY KEY,
		actor_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		action TEXT NOT NULL,
		resource TEXT NOT NULL,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
}

// Migrate applies the schema. Statements are idempotent so repeated startup
// runs are safe.
func Migrate(ctx context.Context, q Querier) error {
	for _, stmt := range schema {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
