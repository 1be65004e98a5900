package api

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/lectio/auth"
	"github.com/hazyhaar/lectio/docstore"
	"github.com/hazyhaar/lectio/ledger"
)

func docError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		writeError(w, 404, err)
	case errors.Is(err, docstore.ErrBadName),
		errors.Is(err, docstore.ErrNotFolder),
		errors.Is(err, docstore.ErrCycle),
		errors.Is(err, docstore.ErrBadArchive):
		writeError(w, 400, err)
	default:
		writeError(w, 500, err)
	}
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	c := auth.GetClaims(r.Context())
	nodes, err := s.Docs.List(r.Context(), c.UserID, r.URL.Query().Get("parent"))
	if err != nil {
		docError(w, err)
		return
	}
	if nodes == nil {
		nodes = []docstore.Node{}
	}
	writeJSON(w, 200, nodes)
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	c := auth.GetClaims(r.Context())
	var req struct {
		ParentID string `json:"parent_id"`
		Name     string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, 400, err)
		return
	}

	node, err := s.Docs.CreateFolder(r.Context(), c.UserID, req.ParentID, req.Name)
	if err != nil {
		docError(w, err)
		return
	}
	writeJSON(w, 201, node)
}

// handleUpdateNode renames and/or moves a node. A null parent_id moves it
// to the root; an absent one leaves it in place.
func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	c := auth.GetClaims(r.Context())
	id := chi.URLParam(r, "id")
	var req struct {
		Name     *string `json:"name"`
		ParentID *string `json:"parent_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, 400, err)
		return
	}
	if req.Name == nil && req.ParentID == nil {
		writeJSON(w, 400, map[string]string{"error": "nothing to update"})
		return
	}

	if req.Name != nil {
		if err := s.Docs.Rename(r.Context(), c.UserID, id, *req.Name); err != nil {
			docError(w, err)
			return
		}
	}
	if req.ParentID != nil {
		if err := s.Docs.Move(r.Context(), c.UserID, id, *req.ParentID); err != nil {
			docError(w, err)
			return
		}
	}
	writeJSON(w, 200, map[string]string{"status": "updated"})
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	c := auth.GetClaims(r.Context())
	if err := s.Docs.Delete(r.Context(), c.UserID, chi.URLParam(r, "id")); err != nil {
		docError(w, err)
		return
	}
	writeJSON(w, 200, map[string]string{"status": "deleted"})
}

// handleImport registers a completed job's archive in the document tree.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	c := auth.GetClaims(r.Context())
	jobID := chi.URLParam(r, "jobID")

	var req struct {
		ParentID string `json:"parent_id"`
		Name     string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, 400, err)
		return
	}

	job, err := s.Jobs.GetOwned(r.Context(), jobID, c.UserID)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, 404, err)
		return
	}
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if job.Status != ledger.StatusCompleted {
		writeJSON(w, 409, map[string]string{"error": "only completed jobs can be imported"})
		return
	}

	name := req.Name
	if name == "" {
		name = strings.TrimSuffix(job.Filename, filepath.Ext(job.Filename))
	}

	zipPath := filepath.Join(s.ResultDir, job.ID+".zip")
	node, err := s.Docs.ImportArchive(r.Context(), c.UserID, req.ParentID, name, zipPath)
	if err != nil {
		docError(w, err)
		return
	}
	writeJSON(w, 201, node)
}

func (s *Server) handleNodeArchive(w http.ResponseWriter, r *http.Request) {
	c := auth.GetClaims(r.Context())
	id := chi.URLParam(r, "id")

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".zip"))
	if err := s.Docs.WriteZip(r.Context(), c.UserID, id, w); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			// headers may already be out; best effort
			w.WriteHeader(404)
			return
		}
		s.logger().Error("node archive streaming failed", "node_id", id, "error", err)
	}
}
