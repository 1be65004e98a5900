package ledger

import "database/sql"

// Schema is the job ledger schema. Logs live in their own append-only table
// so a progress update can insert a line and bump counters in one
// transaction without rewriting the job row's history.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id                TEXT PRIMARY KEY,
    owner             TEXT NOT NULL,
    filename          TEXT NOT NULL,
    kind              TEXT NOT NULL,
    status            TEXT NOT NULL DEFAULT 'pending',
    progress          INTEGER NOT NULL DEFAULT 0,
    current_page      INTEGER NOT NULL DEFAULT 0,
    total_pages       INTEGER NOT NULL DEFAULT 0,
    prompt_tokens     INTEGER NOT NULL DEFAULT 0,
    cached_tokens     INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    cost_usd          REAL NOT NULL DEFAULT 0,
    result_url        TEXT NOT NULL DEFAULT '',
    error             TEXT NOT NULL DEFAULT '',
    created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_active ON jobs(status, created_at);

CREATE TABLE IF NOT EXISTS job_logs (
    seq     INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id  TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    at      INTEGER NOT NULL,
    line    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_logs_job ON job_logs(job_id, seq);
`

// ApplySchema creates the ledger tables if they do not exist.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
