package docstore

import "database/sql"

// Schema holds the virtual document tree. Nodes form a per-user forest;
// deleting a folder cascades to its subtree.
const Schema = `
CREATE TABLE IF NOT EXISTS nodes (
    id         TEXT PRIMARY KEY,
    owner      TEXT NOT NULL,
    parent_id  TEXT,
    name       TEXT NOT NULL,
    kind       TEXT NOT NULL CHECK (kind IN ('folder', 'doc')),
    created_at INTEGER NOT NULL,
    FOREIGN KEY (parent_id) REFERENCES nodes(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_nodes_owner_parent ON nodes(owner, parent_id);
`

// ApplySchema creates the node table if missing.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
