package repository

// Schema definitions for the Harrier audit store.
// Compatible with both SQLite and PostgreSQL.

const schemaEvaluationRuns = `
CREATE TABLE IF NOT EXISTS evaluation_runs (
    id TEXT PRIMARY KEY,
    timestamp TIMESTAMP NOT NULL,
    duration_ms BIGINT NOT NULL,
    timed_out INTEGER NOT NULL DEFAULT 0,
    matched INTEGER NOT NULL DEFAULT 0,
    results TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluation_runs_timestamp ON evaluation_runs(timestamp);
`

const schemaExecutionReports = `
CREATE TABLE IF NOT EXISTS execution_reports (
    id TEXT PRIMARY KEY,
    timestamp TIMESTAMP NOT NULL,
    duration_ms BIGINT NOT NULL,
    evaluations TEXT NOT NULL,
    conflicts TEXT,
    skipped TEXT
);

CREATE INDEX IF NOT EXISTS idx_execution_reports_timestamp ON execution_reports(timestamp);
`

// schemaExecutionResults holds one row per attempted action so results can
// be queried by rule without decoding whole reports.
const schemaExecutionResults = `
CREATE TABLE IF NOT EXISTS execution_results (
    report_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    rule_id TEXT NOT NULL,
    action_id TEXT NOT NULL,
    action_type TEXT NOT NULL,
    target TEXT,
    success INTEGER NOT NULL,
    error TEXT,
    execution_time_ns BIGINT NOT NULL,
    rollback INTEGER NOT NULL DEFAULT 0,
    rollback_success INTEGER NOT NULL DEFAULT 0,
    rollback_error TEXT,
    timestamp TIMESTAMP NOT NULL,
    PRIMARY KEY (report_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_execution_results_rule ON execution_results(rule_id, timestamp);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaEvaluationRuns,
		schemaExecutionReports,
		schemaExecutionResults,
	}
}
