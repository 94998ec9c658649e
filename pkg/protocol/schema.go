package protocol

// SchemaDDL defines the SQLite schema for the persistent event log.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Event bus log: every lifecycle event observed by the recorder
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    event_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    task_id TEXT NOT NULL DEFAULT '',
    task_name TEXT NOT NULL DEFAULT '',
    worker_id TEXT NOT NULL DEFAULT '',
    data TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS events_task_id ON events(task_id);
CREATE INDEX IF NOT EXISTS events_worker_id ON events(worker_id);
CREATE INDEX IF NOT EXISTS events_kind ON events(kind);
`
