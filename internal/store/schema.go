package store

import (
	"context"
	"fmt"
	"strings"
)

// Schema statements are written once in the sqlite dialect with two
// substitution markers for the pieces the adapters disagree on. Every
// statement is idempotent so InitSchema can run on every boot.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS gov_tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		task_type TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT 'P2',
		state TEXT NOT NULL DEFAULT 'INBOX',
		gate TEXT NOT NULL DEFAULT 'None',
		scope TEXT NOT NULL DEFAULT 'COMPANY',
		product_id TEXT,
		assigned_group TEXT,
		executor TEXT,
		created_by TEXT NOT NULL DEFAULT '',
		dod_required INTEGER NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '{}',
		version INTEGER NOT NULL DEFAULT 0,
		created_at {{TS}} NOT NULL,
		updated_at {{TS}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_gov_tasks_state ON gov_tasks(state)`,
	`CREATE INDEX IF NOT EXISTS idx_gov_tasks_group ON gov_tasks(assigned_group)`,
	`CREATE INDEX IF NOT EXISTS idx_gov_tasks_product ON gov_tasks(product_id)`,

	`CREATE TABLE IF NOT EXISTS gov_activities (
		id {{SERIAL_PK}},
		task_id TEXT NOT NULL,
		action TEXT NOT NULL,
		from_state TEXT NOT NULL DEFAULT '',
		to_state TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT 'system',
		reason TEXT NOT NULL DEFAULT '',
		created_at {{TS}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_gov_activities_task ON gov_activities(task_id, id)`,

	`CREATE TABLE IF NOT EXISTS gov_approvals (
		id {{SERIAL_PK}},
		task_id TEXT NOT NULL,
		gate_type TEXT NOT NULL,
		approved_by TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		approved_at {{TS}} NOT NULL,
		UNIQUE(task_id, gate_type)
	)`,

	`CREATE TABLE IF NOT EXISTS gov_dispatches (
		id {{SERIAL_PK}},
		dispatch_key TEXT NOT NULL UNIQUE,
		task_id TEXT NOT NULL,
		group_folder TEXT NOT NULL DEFAULT '',
		worker_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'ENQUEUED',
		detail TEXT NOT NULL DEFAULT '',
		created_at {{TS}} NOT NULL,
		updated_at {{TS}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_gov_dispatches_task ON gov_dispatches(task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_gov_dispatches_status ON gov_dispatches(status)`,

	`CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		level TEXT NOT NULL DEFAULT 'L1',
		scope TEXT NOT NULL DEFAULT 'COMPANY',
		product_id TEXT,
		group_folder TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		pii_detected INTEGER NOT NULL DEFAULT 0,
		pii_types TEXT NOT NULL DEFAULT '[]',
		source_type TEXT NOT NULL DEFAULT 'manual',
		policy_version INTEGER NOT NULL DEFAULT 1,
		embedding TEXT,
		embedding_model TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 0,
		created_at {{TS}} NOT NULL,
		updated_at {{TS}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_group ON memories(group_folder)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_hash ON memories(content_hash)`,

	`CREATE TABLE IF NOT EXISTS memory_access_log (
		id {{SERIAL_PK}},
		memory_id TEXT NOT NULL,
		accessor_group TEXT NOT NULL,
		access_type TEXT NOT NULL,
		granted INTEGER NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at {{TS}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_access_memory ON memory_access_log(memory_id)`,

	`CREATE TABLE IF NOT EXISTS ext_calls (
		id {{SERIAL_PK}},
		task_id TEXT NOT NULL DEFAULT '',
		group_folder TEXT NOT NULL,
		provider TEXT NOT NULL,
		action TEXT NOT NULL,
		level TEXT NOT NULL DEFAULT 'L1',
		status TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		created_at {{TS}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ext_calls_task ON ext_calls(task_id)`,

	`CREATE TABLE IF NOT EXISTS rate_limits (
		op TEXT NOT NULL,
		scope_key TEXT NOT NULL,
		minute_bucket TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (op, scope_key, minute_bucket)
	)`,

	`CREATE TABLE IF NOT EXISTS quotas (
		op TEXT NOT NULL,
		scope_key TEXT NOT NULL,
		day TEXT NOT NULL,
		used INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (op, scope_key, day)
	)`,

	`CREATE TABLE IF NOT EXISTS breakers (
		provider TEXT PRIMARY KEY,
		state TEXT NOT NULL DEFAULT 'CLOSED',
		fail_count INTEGER NOT NULL DEFAULT 0,
		opened_at {{TS}},
		last_failure_at {{TS}},
		updated_at {{TS}} NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS limit_denials (
		id {{SERIAL_PK}},
		op TEXT NOT NULL,
		scope_key TEXT NOT NULL,
		code TEXT NOT NULL,
		created_at {{TS}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_limit_denials_op ON limit_denials(op, created_at)`,

	`CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		ssh_host TEXT NOT NULL DEFAULT '',
		ssh_port INTEGER NOT NULL DEFAULT 22,
		ssh_user TEXT NOT NULL DEFAULT '',
		ssh_identity_file TEXT NOT NULL DEFAULT '',
		local_port INTEGER NOT NULL DEFAULT 0,
		remote_port INTEGER NOT NULL DEFAULT 0,
		max_wip INTEGER NOT NULL DEFAULT 2,
		current_wip INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'offline',
		shared_secret TEXT NOT NULL DEFAULT '',
		groups_served TEXT NOT NULL DEFAULT '[]',
		last_seen_at {{TS}},
		created_at {{TS}} NOT NULL,
		updated_at {{TS}} NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS worker_nonces (
		worker_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		expires_at {{TS}} NOT NULL,
		PRIMARY KEY (worker_id, request_id)
	)`,

	`CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id {{SERIAL_PK}},
		group_folder TEXT NOT NULL,
		prompt TEXT NOT NULL,
		schedule_type TEXT NOT NULL,
		schedule_value TEXT NOT NULL,
		next_run {{TS}},
		status TEXT NOT NULL DEFAULT 'active',
		context_mode TEXT NOT NULL DEFAULT 'group',
		last_run {{TS}},
		last_result TEXT NOT NULL DEFAULT '',
		created_at {{TS}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scheduled_due ON scheduled_tasks(status, next_run)`,

	`CREATE TABLE IF NOT EXISTS bus_events (
		seq {{SERIAL_PK}},
		channel TEXT NOT NULL,
		event_id TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT 'cp',
		payload TEXT NOT NULL DEFAULT '{}',
		created_at {{TS}} NOT NULL,
		UNIQUE(source, event_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bus_events_channel ON bus_events(channel, seq)`,
}

// InitSchema creates every table and index, adapting the DDL to the driver.
func (s *Store) InitSchema(ctx context.Context) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	ts := "TIMESTAMP"
	if s.adapter == AdapterPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
		ts = "TIMESTAMPTZ"
	}
	for _, stmt := range schemaStatements {
		ddl := strings.ReplaceAll(stmt, "{{SERIAL_PK}}", serial)
		ddl = strings.ReplaceAll(ddl, "{{TS}}", ts)
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}
