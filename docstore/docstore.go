// Package docstore keeps each user's virtual folder tree of finished
// documents. Doc nodes back onto an extracted result bundle on disk; folder
// nodes are purely structural.
package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/lectio/dbopen"
)

// Kind distinguishes structural nodes from document nodes.
type Kind string

const (
	KindFolder Kind = "folder"
	KindDoc    Kind = "doc"
)

var (
	ErrNotFound      = errors.New("node not found")
	ErrNotFolder     = errors.New("target is not a folder")
	ErrCycle         = errors.New("cannot move a folder into its own subtree")
	ErrBadName       = errors.New("invalid node name")
	ErrBadArchive    = errors.New("archive is missing result.md")
)

// Node is one entry in the tree. ParentID is empty at the root.
type Node struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Name      string    `json:"name"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists the tree in SQLite and the doc payloads under DocsDir,
// one directory per doc node.
type Store struct {
	db      *sql.DB
	DocsDir string
	logger  *slog.Logger
}

// NewStore builds a Store rooted at docsDir.
func NewStore(db *sql.DB, docsDir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, DocsDir: docsDir, logger: logger}
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "/\\") {
		return "", ErrBadName
	}
	return name, nil
}

// get loads a node scoped to its owner. Another user's node is
// indistinguishable from a missing one.
func (s *Store) get(ctx context.Context, owner, id string) (*Node, error) {
	var (
		n      Node
		parent sql.NullString
		ms     int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, parent_id, name, kind, created_at
		FROM nodes WHERE id = ? AND owner = ?`, id, owner).
		Scan(&n.ID, &parent, &n.Name, &n.Kind, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load node: %w", err)
	}
	n.ParentID = parent.String
	n.CreatedAt = time.UnixMilli(ms)
	return &n, nil
}

// checkParent verifies parentID refers to one of owner's folders. Empty
// means the root.
func (s *Store) checkParent(ctx context.Context, owner, parentID string) error {
	if parentID == "" {
		return nil
	}
	p, err := s.get(ctx, owner, parentID)
	if err != nil {
		return err
	}
	if p.Kind != KindFolder {
		return ErrNotFolder
	}
	return nil
}

func nullable(id string) any {
	if id == "" {
		return nil
	}
	return id
}

// CreateFolder adds a folder under parentID.
func (s *Store) CreateFolder(ctx context.Context, owner, parentID, name string) (*Node, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	if err := s.checkParent(ctx, owner, parentID); err != nil {
		return nil, err
	}

	n := &Node{
		ID:        uuid.Must(uuid.NewV7()).String(),
		ParentID:  parentID,
		Name:      name,
		Kind:      KindFolder,
		CreatedAt: time.Now(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, owner, parent_id, name, kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, owner, nullable(parentID), n.Name, n.Kind, n.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("create folder: %w", err)
	}
	return n, nil
}

// List returns the children of parentID (the root when empty), folders
// first, then by name.
func (s *Store) List(ctx context.Context, owner, parentID string) ([]Node, error) {
	if err := s.checkParent(ctx, owner, parentID); err != nil {
		return nil, err
	}

	var (
		rows *sql.Rows
		err  error
	)
	if parentID == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, parent_id, name, kind, created_at
			FROM nodes WHERE owner = ? AND parent_id IS NULL
			ORDER BY kind = 'doc', name`, owner)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, parent_id, name, kind, created_at
			FROM nodes WHERE owner = ? AND parent_id = ?
			ORDER BY kind = 'doc', name`, owner, parentID)
	}
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		var (
			n      Node
			parent sql.NullString
			ms     int64
		)
		if err := rows.Scan(&n.ID, &parent, &n.Name, &n.Kind, &ms); err != nil {
			return nil, err
		}
		n.ParentID = parent.String
		n.CreatedAt = time.UnixMilli(ms)
		out = append(out, n)
	}
	return out, rows.Err()
}

// Rename changes a node's display name.
func (s *Store) Rename(ctx context.Context, owner, id, name string) error {
	name, err := cleanName(name)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET name = ? WHERE id = ? AND owner = ?`, name, id, owner)
	if err != nil {
		return fmt.Errorf("rename node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Move reparents a node. Moving a folder under itself or any of its
// descendants is rejected.
func (s *Store) Move(ctx context.Context, owner, id, newParentID string) error {
	n, err := s.get(ctx, owner, id)
	if err != nil {
		return err
	}
	if err := s.checkParent(ctx, owner, newParentID); err != nil {
		return err
	}

	if n.Kind == KindFolder && newParentID != "" {
		cur := newParentID
		for cur != "" {
			if cur == id {
				return ErrCycle
			}
			p, err := s.get(ctx, owner, cur)
			if err != nil {
				return err
			}
			cur = p.ParentID
		}
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE nodes SET parent_id = ? WHERE id = ? AND owner = ?`,
		nullable(newParentID), id, owner)
	if err != nil {
		return fmt.Errorf("move node: %w", err)
	}
	return nil
}

// Delete removes a node. Folders take their subtree with them; every doc
// node in the subtree loses its backing directory too.
func (s *Store) Delete(ctx context.Context, owner, id string) error {
	if _, err := s.get(ctx, owner, id); err != nil {
		return err
	}

	docIDs, err := s.collectDocs(ctx, owner, id)
	if err != nil {
		return err
	}

	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM nodes WHERE id = ? AND owner = ?`, id, owner)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}

	for _, docID := range docIDs {
		if err := os.RemoveAll(s.docDir(docID)); err != nil {
			s.logger.Warn("failed to remove doc payload", "node_id", docID, "error", err)
		}
	}
	return nil
}

// collectDocs walks the subtree rooted at id and returns every doc node id
// in it, id itself included when it is a doc.
func (s *Store) collectDocs(ctx context.Context, owner, id string) ([]string, error) {
	var docs []string
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		n, err := s.get(ctx, owner, cur)
		if err != nil {
			return nil, err
		}
		if n.Kind == KindDoc {
			docs = append(docs, cur)
			continue
		}

		children, err := s.List(ctx, owner, cur)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			queue = append(queue, c.ID)
		}
	}
	return docs, nil
}

func (s *Store) docDir(id string) string {
	return filepath.Join(s.DocsDir, id)
}
