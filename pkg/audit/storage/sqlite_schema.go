package storage

// SchemaVersion is the current database schema version.
const SchemaVersion = 1

// Schema creates the violation log tables. Timestamps are stored as Unix
// nanoseconds and amounts as decimal strings.
const Schema = `
CREATE TABLE IF NOT EXISTS violations (
    id TEXT PRIMARY KEY,
    evaluation_id TEXT NOT NULL,

    -- Rule
    rule_id TEXT NOT NULL,
    rule_name TEXT NOT NULL,
    rule_version INTEGER NOT NULL,
    rule_type TEXT NOT NULL,

    -- Subject
    scope_target_id TEXT NOT NULL,
    actor_id TEXT NOT NULL,
    attempted_amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    occurred_at INTEGER NOT NULL,

    -- Outcome
    action_taken TEXT NOT NULL,
    reason TEXT NOT NULL,
    approval_id TEXT,
    grant_id TEXT,

    -- Review
    resolution_status TEXT NOT NULL,
    reviewed_by TEXT,
    reviewed_at INTEGER,
    review_note TEXT
);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_violations_occurred_at ON violations(occurred_at);
CREATE INDEX IF NOT EXISTS idx_violations_rule_id ON violations(rule_id);
CREATE INDEX IF NOT EXISTS idx_violations_scope_target ON violations(scope_target_id);
CREATE INDEX IF NOT EXISTS idx_violations_actor_id ON violations(actor_id);
CREATE INDEX IF NOT EXISTS idx_violations_evaluation_id ON violations(evaluation_id);
CREATE INDEX IF NOT EXISTS idx_violations_resolution ON violations(resolution_status);
`

// InsertSchemaVersion records the schema version.
const InsertSchemaVersion = `
INSERT INTO schema_version (version, applied_at)
VALUES (?, datetime('now'))
ON CONFLICT(version) DO NOTHING;
`

// GetSchemaVersion retrieves the current schema version.
const GetSchemaVersion = `
SELECT version FROM schema_version ORDER BY version DESC LIMIT 1;
`
