package docstore

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/lectio/dbopen"
	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := ApplySchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStore(db, t.TempDir(), logger)
}

func makeArchive(t *testing.T, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "bundle.zip")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFolderTree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	root, err := s.CreateFolder(ctx, "alice", "", "Semester 1")
	if err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	child, err := s.CreateFolder(ctx, "alice", root.ID, "Week 3")
	if err != nil {
		t.Fatalf("CreateFolder child: %v", err)
	}

	top, err := s.List(ctx, "alice", "")
	if err != nil {
		t.Fatalf("List root: %v", err)
	}
	if len(top) != 1 || top[0].ID != root.ID {
		t.Errorf("root listing = %+v", top)
	}

	inner, err := s.List(ctx, "alice", root.ID)
	if err != nil {
		t.Fatalf("List folder: %v", err)
	}
	if len(inner) != 1 || inner[0].ID != child.ID {
		t.Errorf("folder listing = %+v", inner)
	}

	if err := s.Rename(ctx, "alice", child.ID, "Week 4"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	inner, _ = s.List(ctx, "alice", root.ID)
	if inner[0].Name != "Week 4" {
		t.Errorf("name = %q after rename", inner[0].Name)
	}
}

func TestOwnerIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f, err := s.CreateFolder(ctx, "alice", "", "Private")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.List(ctx, "bob", f.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("bob listing alice's folder err = %v", err)
	}
	if err := s.Rename(ctx, "bob", f.ID, "Stolen"); !errors.Is(err, ErrNotFound) {
		t.Errorf("bob renaming alice's folder err = %v", err)
	}
	if err := s.Delete(ctx, "bob", f.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("bob deleting alice's folder err = %v", err)
	}
}

func TestBadNamesRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"", "   ", "a/b", `a\b`} {
		if _, err := s.CreateFolder(ctx, "alice", "", name); !errors.Is(err, ErrBadName) {
			t.Errorf("CreateFolder(%q) err = %v, want ErrBadName", name, err)
		}
	}
}

func TestMoveRejectsCycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.CreateFolder(ctx, "alice", "", "a")
	b, _ := s.CreateFolder(ctx, "alice", a.ID, "b")
	c, _ := s.CreateFolder(ctx, "alice", b.ID, "c")

	if err := s.Move(ctx, "alice", a.ID, c.ID); !errors.Is(err, ErrCycle) {
		t.Errorf("moving a under its grandchild err = %v, want ErrCycle", err)
	}
	if err := s.Move(ctx, "alice", a.ID, a.ID); !errors.Is(err, ErrCycle) {
		t.Errorf("moving a under itself err = %v, want ErrCycle", err)
	}

	// legal move: c to the root
	if err := s.Move(ctx, "alice", c.ID, ""); err != nil {
		t.Fatalf("Move to root: %v", err)
	}
	top, _ := s.List(ctx, "alice", "")
	if len(top) != 2 {
		t.Errorf("root has %d nodes after move, want 2", len(top))
	}
}

func TestImportArchive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	zipPath := makeArchive(t, map[string]string{
		"result.md":           "# doc",
		"result.pdf":          "%PDF",
		"images/page_001.png": "png",
	})

	n, err := s.ImportArchive(ctx, "alice", "", "Lecture 3", zipPath)
	if err != nil {
		t.Fatalf("ImportArchive: %v", err)
	}
	if n.Kind != KindDoc {
		t.Errorf("kind = %q", n.Kind)
	}

	md, err := os.ReadFile(filepath.Join(s.DocsDir, n.ID, "result.md"))
	if err != nil {
		t.Fatalf("read extracted result.md: %v", err)
	}
	if string(md) != "# doc" {
		t.Errorf("result.md = %q", md)
	}
	if _, err := os.Stat(filepath.Join(s.DocsDir, n.ID, "images", "page_001.png")); err != nil {
		t.Errorf("image not extracted: %v", err)
	}
}

func TestImportArchiveRequiresResultMD(t *testing.T) {
	s := newTestStore(t)
	zipPath := makeArchive(t, map[string]string{"readme.txt": "nope"})
	_, err := s.ImportArchive(context.Background(), "alice", "", "Broken", zipPath)
	if !errors.Is(err, ErrBadArchive) {
		t.Errorf("err = %v, want ErrBadArchive", err)
	}
}

func TestWriteZipRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	zipPath := makeArchive(t, map[string]string{
		"result.md":           "# doc",
		"images/page_001.png": "png",
	})
	n, err := s.ImportArchive(ctx, "alice", "", "Lecture 3", zipPath)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := s.WriteZip(ctx, "alice", n.ID, &buf); err != nil {
		t.Fatalf("WriteZip: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("reopen zip: %v", err)
	}
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	if !names["result.md"] || !names["images/page_001.png"] {
		t.Errorf("zip contents = %v", names)
	}

	if err := s.WriteZip(ctx, "bob", n.ID, io.Discard); !errors.Is(err, ErrNotFound) {
		t.Errorf("bob zipping alice's doc err = %v", err)
	}
}

// Subtree removal rides on ON DELETE CASCADE, and foreign_keys is
// per-connection state. A file-backed pool with idle connections disabled
// hands every statement a fresh connection, so this catches the pragma
// not reaching the connection the delete runs on.
func TestDeleteCascadesOnPooledConnections(t *testing.T) {
	db, err := dbopen.Open(filepath.Join(t.TempDir(), "docs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxIdleConns(0)
	if err := ApplySchema(db); err != nil {
		t.Fatal(err)
	}
	s := NewStore(db, t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	root, err := s.CreateFolder(ctx, "alice", "", "root")
	if err != nil {
		t.Fatal(err)
	}
	child, err := s.CreateFolder(ctx, "alice", root.ID, "child")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Delete(ctx, "alice", root.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM nodes WHERE id = ?`, child.ID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("child row survived parent delete")
	}
}

func TestDeleteFolderCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	root, _ := s.CreateFolder(ctx, "alice", "", "root")
	zipPath := makeArchive(t, map[string]string{"result.md": "# doc"})
	doc, err := s.ImportArchive(ctx, "alice", root.ID, "doc", zipPath)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Delete(ctx, "alice", root.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if nodes, _ := s.List(ctx, "alice", ""); len(nodes) != 0 {
		t.Errorf("root still has %d nodes", len(nodes))
	}
	if _, err := os.Stat(filepath.Join(s.DocsDir, doc.ID)); !os.IsNotExist(err) {
		t.Errorf("doc payload survived delete: %v", err)
	}
}
