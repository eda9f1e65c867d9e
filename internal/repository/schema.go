package repository

// Schema definitions for the ipsim database.
// Compatible with both SQLite and PostgreSQL.

const schemaRuns = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    status TEXT NOT NULL,
    n INTEGER NOT NULL,
    seed BIGINT NOT NULL,
    model_version TEXT NOT NULL,
    params TEXT NOT NULL,
    result TEXT,
    error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP,
    duration_ms BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_runs_kind ON runs(kind, status);
`

// schemaPolicies stores custom review policies. Expressions are compiled
// on load, never at insert time.
const schemaPolicies = `
CREATE TABLE IF NOT EXISTS policies (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_policies_enabled ON policies(enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRuns,
		schemaPolicies,
	}
}
