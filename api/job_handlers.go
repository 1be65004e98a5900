package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/lectio/auth"
	"github.com/hazyhaar/lectio/convert"
	"github.com/hazyhaar/lectio/ledger"
	"github.com/hazyhaar/lectio/shield"
)

const defaultMaxUpload = 200 << 20

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// handleUpload accepts a multipart upload, registers a pending job, and
// starts processing on its own goroutine. The client gets the job id
// immediately and polls for progress.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	c := auth.GetClaims(r.Context())

	maxBytes := s.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxUpload
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, 400, map[string]string{"error": "multipart field 'file' is required"})
		return
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	kind, err := convert.Detect(filename)
	if errors.Is(err, convert.ErrUnsupportedFormat) {
		writeError(w, 415, err)
		return
	}
	if err != nil {
		writeError(w, 400, err)
		return
	}

	job, err := s.Jobs.Create(r.Context(), c.UserID, filename, ledger.Kind(kind))
	if err != nil {
		writeError(w, 500, err)
		return
	}

	if err := s.saveUpload(file, job.ID, filename); err != nil {
		s.Jobs.MarkFailed(r.Context(), job.ID, "upload could not be stored")
		writeError(w, 500, err)
		return
	}

	// detached from the request context: the job outlives this request
	go s.Orchestrator.Run(context.Background(), job.ID)

	shield.GetLogger(r.Context()).Info("job accepted", "job_id", job.ID, "filename", filename, "kind", kind)
	writeJSON(w, 202, map[string]string{"job_id": job.ID, "status": string(job.Status)})
}

func (s *Server) saveUpload(file multipart.File, jobID, filename string) error {
	dir := filepath.Join(s.UploadDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	dst, err := os.Create(filepath.Join(dir, filename))
	if err != nil {
		return err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, file); err != nil {
		os.RemoveAll(dir)
		return err
	}
	return dst.Close()
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	c := auth.GetClaims(r.Context())
	jobs, err := s.Jobs.ListByOwner(r.Context(), c.UserID)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if jobs == nil {
		jobs = []*ledger.Job{}
	}
	writeJSON(w, 200, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	c := auth.GetClaims(r.Context())
	job, err := s.Jobs.GetOwned(r.Context(), chi.URLParam(r, "id"), c.UserID)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, 404, err)
		return
	}
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	c := auth.GetClaims(r.Context())
	err := s.Jobs.Delete(r.Context(), chi.URLParam(r, "id"), c.UserID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, 404, err)
	case errors.Is(err, ledger.ErrActive):
		writeError(w, 409, err)
	case err != nil:
		writeError(w, 500, err)
	default:
		writeJSON(w, 200, map[string]string{"status": "deleted"})
	}
}

// handleResultArchive serves a finished job's zip. Ownership is enforced:
// the id in the filename is a job id.
func (s *Server) handleResultArchive(w http.ResponseWriter, r *http.Request) {
	c := auth.GetClaims(r.Context())
	file := chi.URLParam(r, "file")

	id := file
	if filepath.Ext(id) == ".zip" {
		id = id[:len(id)-len(".zip")]
	}
	if _, err := s.Jobs.GetOwned(r.Context(), id, c.UserID); err != nil {
		writeError(w, 404, ledger.ErrNotFound)
		return
	}

	path := filepath.Join(s.ResultDir, id+".zip")
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".zip"))
	http.ServeFile(w, r, path)
}
