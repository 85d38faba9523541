package db

const schema = `
-- Local replica: one row per entity, the flat record stored as JSON
CREATE TABLE IF NOT EXISTS entities (
    table_name TEXT NOT NULL,
    id TEXT NOT NULL,
    data JSON NOT NULL,
    updated_at TEXT NOT NULL DEFAULT '',
    device_id TEXT NOT NULL DEFAULT '',
    pending_delete INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (table_name, id)
);
CREATE INDEX IF NOT EXISTS idx_entities_id ON entities(id);

-- Local mutation queue; seq gives enqueue order
CREATE TABLE IF NOT EXISTS pending_ops (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    op_id TEXT NOT NULL UNIQUE,
    table_name TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    op TEXT NOT NULL,
    payload JSON NOT NULL,
    base JSON NOT NULL,
    enqueued_at TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_pending_ops_entity ON pending_ops(entity_id, seq);

-- Pull checkpoint
CREATE TABLE IF NOT EXISTS sync_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    last_pulled_seq INTEGER NOT NULL DEFAULT 0,
    last_sync_at TEXT,
    last_pushed_at TEXT
);

-- Conflict history
CREATE TABLE IF NOT EXISTS sync_conflicts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    table_name TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    source TEXT NOT NULL,
    fields JSON NOT NULL,
    local_data JSON,
    remote_data JSON,
    merged_data JSON,
    resolved_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_conflicts_entity ON sync_conflicts(table_name, entity_id);
CREATE INDEX IF NOT EXISTS idx_sync_conflicts_time ON sync_conflicts(resolved_at);

-- Push/pull/realtime audit trail
CREATE TABLE IF NOT EXISTS sync_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    direction TEXT NOT NULL,
    action_type TEXT NOT NULL,
    table_name TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    server_seq INTEGER,
    device_id TEXT,
    timestamp TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
