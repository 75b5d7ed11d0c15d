package sqlite

// migrations is the ordered schema history (spec §6.6: "schema is versioned
// with ordered migrations"). Each entry runs once, tracked in
// schema_migrations, inside its own transaction. New migrations are always
// appended, never edited in place.
var migrations = []string{
	// Versions 1–4: base schema
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		flow_name TEXT NOT NULL,
		status TEXT NOT NULL,
		input TEXT,
		output TEXT,
		error TEXT,
		metadata TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		duration_ms INTEGER,
		stdout TEXT,
		stderr TEXT,
		name TEXT,
		description TEXT,
		flow_title TEXT,
		termination_reason TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS stages (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		final INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		termination_reason TEXT,
		UNIQUE(run_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS steps (
		id TEXT NOT NULL,
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		stage_id TEXT NOT NULL REFERENCES stages(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		depends_on TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		env TEXT,
		fields TEXT,
		error TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		duration_ms INTEGER,
		stdout TEXT,
		stderr TEXT,
		queued_at INTEGER,
		claimed_at INTEGER,
		heartbeat_at INTEGER,
		worker_id TEXT,
		termination_reason TEXT,
		PRIMARY KEY (run_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS run_logs (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		entity_type TEXT NOT NULL,
		entity_id TEXT,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		metadata TEXT,
		created_at INTEGER NOT NULL
	)`,
	// Version 5: scheduler scan index — the hot path in spec §4.6 step 2
	// (status='pending' AND queued_at IS NOT NULL, ordered by queued_at).
	// Versions 6–8: per-run lookup indexes.
	`CREATE INDEX IF NOT EXISTS idx_steps_schedulable
		ON steps(status, queued_at)`,
	`CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_stages_run ON stages(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_run_logs_run ON run_logs(run_id)`,
}
