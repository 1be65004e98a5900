package account

import "database/sql"

// Schema holds the user table. Settings live inline rather than in a side
// table; they are few and always read together with the user.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    id              TEXT PRIMARY KEY,
    username        TEXT NOT NULL UNIQUE,
    email           TEXT NOT NULL UNIQUE,
    password_hash   TEXT NOT NULL,
    verified        INTEGER NOT NULL DEFAULT 0,
    preferred_model TEXT NOT NULL DEFAULT 'local',
    api_key         TEXT NOT NULL DEFAULT '',
    custom_prompt   TEXT NOT NULL DEFAULT '',
    audio_language  TEXT NOT NULL DEFAULT 'ko',
    audio_model     INTEGER NOT NULL DEFAULT 2,
    total_spent_usd REAL NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
`

// ApplySchema creates the user table if missing.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
