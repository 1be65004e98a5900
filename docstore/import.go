package docstore

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ImportArchive registers a completed job's result bundle as a doc node
// under parentID and extracts it into the node's backing directory. The
// bundle must contain a result.md at its root.
func (s *Store) ImportArchive(ctx context.Context, owner, parentID, name, zipPath string) (*Node, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	if err := s.checkParent(ctx, owner, parentID); err != nil {
		return nil, err
	}

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	hasResult := false
	for _, f := range zr.File {
		if f.Name == "result.md" {
			hasResult = true
			break
		}
	}
	if !hasResult {
		return nil, ErrBadArchive
	}

	id := uuid.Must(uuid.NewV7()).String()
	dir := s.docDir(id)
	if err := extractAll(&zr.Reader, dir); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("extract archive: %w", err)
	}

	n := &Node{
		ID:        id,
		ParentID:  parentID,
		Name:      name,
		Kind:      KindDoc,
		CreatedAt: time.Now(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, owner, parent_id, name, kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, owner, nullable(parentID), n.Name, n.Kind, n.CreatedAt.UnixMilli())
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("register doc: %w", err)
	}

	s.logger.Info("document imported", "node_id", id, "name", name)
	return n, nil
}

// extractAll unpacks the archive into dir, refusing entries that would
// escape it.
func extractAll(zr *zip.Reader, dir string) error {
	for _, f := range zr.File {
		name := filepath.FromSlash(f.Name)
		if filepath.IsAbs(name) || strings.Contains(name, "..") {
			return fmt.Errorf("unsafe archive entry: %s", f.Name)
		}
		dst := filepath.Join(dir, name)

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}

		src, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.Create(dst)
		if err != nil {
			src.Close()
			return err
		}
		_, err = io.Copy(out, src)
		src.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// WriteZip streams a doc node's backing files as a zip archive. Used by
// the download endpoint.
func (s *Store) WriteZip(ctx context.Context, owner, id string, w io.Writer) error {
	n, err := s.get(ctx, owner, id)
	if err != nil {
		return err
	}
	if n.Kind != KindDoc {
		return ErrNotFound
	}

	dir := s.docDir(id)
	zw := zip.NewWriter(w)
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		fw, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(fw, f)
		return err
	})
	if err != nil {
		zw.Close()
		return fmt.Errorf("zip doc %s: %w", id, err)
	}
	return zw.Close()
}
