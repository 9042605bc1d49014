package store

// Schema is the dispatch core's table DDL. Board/Column/Card/Comment rows
// are normally owned by the outer Kanban application; this core creates and
// migrates only the tables it writes (workers, tasks) plus the minimal
// columns/cards/comments shape it needs for integration tests, since no
// migration tool ships in this repository (see SPEC_FULL.md).
const Schema = `
CREATE TABLE IF NOT EXISTS workers (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL UNIQUE,
	hostname TEXT NOT NULL DEFAULT '',
	version TEXT NOT NULL DEFAULT '',
	capabilities TEXT[] NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'online',
	last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT now(),
	registered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	max_concurrent_tasks INT NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS columns (
	id TEXT PRIMARY KEY,
	board_id TEXT NOT NULL,
	name TEXT NOT NULL,
	auto_run BOOLEAN NOT NULL DEFAULT false,
	agent_type TEXT NOT NULL DEFAULT '',
	prompt_template TEXT NOT NULL DEFAULT '',
	on_success_column_id TEXT NOT NULL DEFAULT '',
	on_failure_column_id TEXT NOT NULL DEFAULT '',
	max_loop_count INT NOT NULL DEFAULT 3,
	position INT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS cards (
	id TEXT PRIMARY KEY,
	column_id TEXT NOT NULL REFERENCES columns(id),
	board_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	labels TEXT[] NOT NULL DEFAULT '{}',
	priority TEXT NOT NULL DEFAULT 'medium',
	assignee_id TEXT NOT NULL DEFAULT '',
	agent_status TEXT NOT NULL DEFAULT '',
	position INT NOT NULL DEFAULT 0,
	version INT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS comments (
	id TEXT PRIMARY KEY,
	card_id TEXT NOT NULL REFERENCES cards(id),
	user_id TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	is_agent_output BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS boards (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	settings_json JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	task_type TEXT NOT NULL,
	board_id TEXT NOT NULL,
	card_id TEXT REFERENCES cards(id),
	created_by TEXT NOT NULL DEFAULT '',
	assigned_to TEXT NOT NULL DEFAULT '',
	claimed_by_worker TEXT REFERENCES workers(id),
	agent_type TEXT NOT NULL DEFAULT '',
	agent_model TEXT NOT NULL DEFAULT '',
	prompt_text TEXT NOT NULL DEFAULT '',
	payload JSONB NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'pending',
	priority INT NOT NULL DEFAULT 0,
	source_column_id TEXT,
	target_column_id TEXT,
	failure_column_id TEXT,
	loop_count INT NOT NULL DEFAULT 0,
	max_loop_count INT NOT NULL DEFAULT 3,
	error_summary TEXT,
	output_comment_id TEXT REFERENCES comments(id),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	claimed_at TIMESTAMPTZ,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_assigned_to ON tasks(assigned_to) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_tasks_card_column ON tasks(card_id, source_column_id);
CREATE INDEX IF NOT EXISTS idx_tasks_claimed_by ON tasks(claimed_by_worker) WHERE status IN ('claimed', 'running');
`
