package protocol

// SchemaDDL defines the SQLite schema for the wharf daemon state database.
// Tables: sessions, workers, events.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Session pool: one row per agent session, queued through terminal states
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    working_directory TEXT NOT NULL,
    isolated_worktree INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'queued',
    queue_position INTEGER,
    worker_id TEXT,
    target_worker_id TEXT,
    process_handle TEXT,
    upstream_session_id TEXT,
    needs_input INTEGER NOT NULL DEFAULT 0,
    locked INTEGER NOT NULL DEFAULT 0,
    continuation_count INTEGER NOT NULL DEFAULT 0,
    scrollback BLOB,
    created_at DATETIME NOT NULL,
    started_at DATETIME,
    completed_at DATETIME,
    updated_at DATETIME NOT NULL
);

-- Execution targets: the local singleton plus SSH-reachable remotes
CREATE TABLE IF NOT EXISTS workers (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    kind TEXT NOT NULL,
    host TEXT,
    port INTEGER,
    user TEXT,
    identity_file TEXT,
    status TEXT NOT NULL DEFAULT 'disconnected',
    last_heartbeat DATETIME,
    max_sessions INTEGER NOT NULL DEFAULT 2,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

-- Runtime event log: lifecycle transitions, admission decisions, channel errors
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    session_id TEXT,
    worker_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_queue ON sessions(queue_position) WHERE queue_position IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_sessions_worker ON sessions(worker_id);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
`

// MigrateGlobalCap adds the deployment-wide concurrency cap column to the
// workers table. The cap itself lives in config now; the column remains for
// databases written by older builds and is ignored on read. ALTER TABLE
// errors if the column already exists; callers ignore the error.
const MigrateGlobalCap = `
ALTER TABLE workers ADD COLUMN max_concurrent_sessions INTEGER;
`
