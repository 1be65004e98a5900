// Package api is the HTTP surface: thin chi handlers translating requests
// into calls on the account store, job ledger, orchestrator, and document
// store.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/lectio/account"
	"github.com/hazyhaar/lectio/auth"
	"github.com/hazyhaar/lectio/docstore"
	"github.com/hazyhaar/lectio/ledger"
	"github.com/hazyhaar/lectio/shield"
)

const sessionExpiry = 7 * 24 * time.Hour

// Runner processes a job asynchronously; satisfied by
// pipeline.Orchestrator.
type Runner interface {
	Run(ctx context.Context, jobID string)
}

// Server bundles the handlers' collaborators.
type Server struct {
	Accounts     *account.Store
	Jobs         *ledger.Store
	Docs         *docstore.Store
	Orchestrator Runner

	JWTSecret []byte
	UploadDir string
	ResultDir string

	// MaxUploadBytes bounds one multipart upload. Zero means 200 MiB.
	MaxUploadBytes int64

	// Done stops background work (rate-limit bucket GC) on shutdown. Nil
	// leaves it running for the life of the process.
	Done <-chan struct{}

	Logger *slog.Logger
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Router assembles the full route table.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack(64 * 1024) {
		r.Use(mw)
	}
	rl := shield.NewRateLimiter(shield.AuthRules())
	rl.StartGC(s.Done)
	r.Use(rl.Middleware)
	r.Use(auth.Middleware(s.JWTSecret)) // soft: parses, doesn't enforce

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	// Public auth endpoints.
	r.Post("/api/auth/signup/request", s.handleSignupRequest)
	r.Post("/api/auth/signup/verify", s.handleSignupVerify)
	r.Post("/api/auth/login", s.handleLogin)
	r.Post("/api/auth/logout", func(w http.ResponseWriter, _ *http.Request) {
		auth.ClearTokenCookie(w)
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	// Everything else needs a session.
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Get("/api/auth/me", s.handleMe)

		r.Post("/api/upload", s.handleUpload)
		r.Get("/api/jobs", s.handleListJobs)
		r.Get("/api/jobs/{id}", s.handleGetJob)
		r.Delete("/api/jobs/{id}", s.handleDeleteJob)

		r.Get("/api/settings", s.handleGetSettings)
		r.Post("/api/settings", s.handleSaveSettings)
		r.Get("/api/settings/usage", s.handleUsage)

		r.Get("/api/docs/nodes", s.handleListNodes)
		r.Post("/api/docs/folders", s.handleCreateFolder)
		r.Patch("/api/docs/nodes/{id}", s.handleUpdateNode)
		r.Delete("/api/docs/nodes/{id}", s.handleDeleteNode)
		r.Post("/api/docs/import/{jobID}", s.handleImport)
		r.Get("/api/docs/nodes/{id}/archive", s.handleNodeArchive)

		r.Get("/static/results/{file}", s.handleResultArchive)
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
