// Package ledger is the authoritative record of every conversion job: its
// state machine, progress counters, append-only log, cost totals, and the
// filesystem artifacts tied to it. All mutations go through Store methods;
// each method applies its changes in a single transaction so concurrent
// pollers always observe a consistent snapshot.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/lectio/dbopen"
)

// Status is the job lifecycle state. Transitions are monotonic:
// pending → processing → {completed, failed}. Terminal states never change.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Kind routes a job to the slide or audio pipeline.
type Kind string

const (
	KindSlides Kind = "slides"
	KindAudio  Kind = "audio"
)

// InterruptedError is the error recorded on jobs found mid-flight at
// startup. Workers are in-process goroutines, so no legitimate job survives
// a restart.
const InterruptedError = "interrupted by server restart"

var (
	// ErrNotFound is returned when a job does not exist or belongs to a
	// different owner. The two cases are deliberately indistinguishable.
	ErrNotFound = errors.New("ledger: job not found")

	// ErrActive is returned when deleting a job that is still pending or
	// processing.
	ErrActive = errors.New("ledger: job is still active")
)

// LogEntry is one timestamped progress line.
type LogEntry struct {
	At   time.Time `json:"at"`
	Line string    `json:"line"`
}

// Job is a snapshot of one conversion task.
type Job struct {
	ID               string     `json:"id"`
	Owner            string     `json:"owner"`
	Filename         string     `json:"filename"`
	Kind             Kind       `json:"kind"`
	Status           Status     `json:"status"`
	Progress         int        `json:"progress"`
	CurrentPage      int        `json:"current_page"`
	TotalPages       int        `json:"total_pages"`
	PromptTokens     int        `json:"prompt_tokens"`
	CachedTokens     int        `json:"cached_tokens"`
	CompletionTokens int        `json:"completion_tokens"`
	CostUSD          float64    `json:"cost_usd"`
	ResultURL        string     `json:"result_url,omitempty"`
	Error            string     `json:"error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	Logs             []LogEntry `json:"logs"`
}

// Paths locates the filesystem namespaces owned by a job. Delete removes
// UploadDir/<id>, ResultDir/<id>, and ResultDir/<id>.zip.
type Paths struct {
	UploadDir string
	ResultDir string
}

// Store persists jobs in SQLite.
type Store struct {
	db     *sql.DB
	paths  Paths
	logger *slog.Logger
}

// NewStore wraps an already-opened database. Call ApplySchema first.
func NewStore(db *sql.DB, paths Paths, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, paths: paths, logger: logger}
}

// Create inserts a new pending job and returns it.
func (s *Store) Create(ctx context.Context, owner, filename string, kind Kind) (*Job, error) {
	id := uuid.Must(uuid.NewV7()).String()
	now := time.Now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, owner, filename, kind, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, owner, filename, string(kind), string(StatusPending), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("ledger: create job: %w", err)
	}

	return &Job{
		ID:        id,
		Owner:     owner,
		Filename:  filename,
		Kind:      kind,
		Status:    StatusPending,
		CreatedAt: now,
	}, nil
}

// Get returns the job with its full log history. Internal callers only —
// owner scoping is GetOwned.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	return s.get(ctx, id, "")
}

// GetOwned returns the job only if it belongs to owner; otherwise
// ErrNotFound, whether the id exists or not.
func (s *Store) GetOwned(ctx context.Context, id, owner string) (*Job, error) {
	return s.get(ctx, id, owner)
}

func (s *Store) get(ctx context.Context, id, owner string) (*Job, error) {
	query := `
		SELECT id, owner, filename, kind, status, progress, current_page, total_pages,
		       prompt_tokens, cached_tokens, completion_tokens, cost_usd,
		       result_url, error, created_at
		FROM jobs WHERE id = ?`
	args := []any{id}
	if owner != "" {
		query += ` AND owner = ?`
		args = append(args, owner)
	}

	var j Job
	var kind, status string
	var createdAt int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&j.ID, &j.Owner, &j.Filename, &kind, &status, &j.Progress,
		&j.CurrentPage, &j.TotalPages, &j.PromptTokens, &j.CachedTokens,
		&j.CompletionTokens, &j.CostUSD, &j.ResultURL, &j.Error, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get job: %w", err)
	}
	j.Kind = Kind(kind)
	j.Status = Status(status)
	j.CreatedAt = time.UnixMilli(createdAt)

	rows, err := s.db.QueryContext(ctx, `
		SELECT at, line FROM job_logs WHERE job_id = ? ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("ledger: get logs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var at int64
		var line string
		if err := rows.Scan(&at, &line); err != nil {
			return nil, fmt.Errorf("ledger: scan log: %w", err)
		}
		j.Logs = append(j.Logs, LogEntry{At: time.UnixMilli(at), Line: line})
	}
	return &j, rows.Err()
}

// ListByOwner returns all of owner's jobs, newest first, without logs.
func (s *Store) ListByOwner(ctx context.Context, owner string) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, filename, kind, status, progress, current_page, total_pages,
		       prompt_tokens, cached_tokens, completion_tokens, cost_usd,
		       result_url, error, created_at
		FROM jobs WHERE owner = ? ORDER BY created_at DESC
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("ledger: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var j Job
		var kind, status string
		var createdAt int64
		if err := rows.Scan(&j.ID, &j.Owner, &j.Filename, &kind, &status,
			&j.Progress, &j.CurrentPage, &j.TotalPages, &j.PromptTokens,
			&j.CachedTokens, &j.CompletionTokens, &j.CostUSD, &j.ResultURL,
			&j.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("ledger: scan job: %w", err)
		}
		j.Kind = Kind(kind)
		j.Status = Status(status)
		j.CreatedAt = time.UnixMilli(createdAt)
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// MarkProcessing transitions a pending job to processing.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ? WHERE id = ? AND status = ?
	`, string(StatusProcessing), id, string(StatusPending))
	if err != nil {
		return fmt.Errorf("ledger: mark processing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Progress applies one unit-completion update atomically: page counters,
// cumulative usage, the freshly recomputed cost, and exactly one log line.
// Cost is passed recomputed from the running totals, never accumulated
// incrementally, so rounding can't drift. current is clamped to total.
func (s *Store) Progress(ctx context.Context, id string, current, total int, prompt, cached, completion int, costUSD float64, line string) error {
	if total > 0 && current > total {
		current = total
	}
	pct := 0
	if total > 0 {
		pct = int(math.Floor(float64(current) / float64(total) * 100))
	}
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET current_page = ?, total_pages = ?, progress = ?,
				prompt_tokens = prompt_tokens + ?,
				cached_tokens = cached_tokens + ?,
				completion_tokens = completion_tokens + ?,
				cost_usd = ?
			WHERE id = ?
		`, current, total, pct, prompt, cached, completion, costUSD, id)
		if err != nil {
			return fmt.Errorf("ledger: update progress: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if line != "" {
			if err := appendLog(ctx, tx, id, line); err != nil {
				return err
			}
		}
		return nil
	})
}

// Log appends a line without touching counters.
func (s *Store) Log(ctx context.Context, id, line string) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		return appendLog(ctx, tx, id, line)
	})
}

// MarkCompleted finalizes a job: status, 100% progress, the result archive
// path (set exactly once, here), and a closing log line.
func (s *Store) MarkCompleted(ctx context.Context, id, resultURL string) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, progress = 100, result_url = ?
			WHERE id = ? AND status = ?
		`, string(StatusCompleted), resultURL, id, string(StatusProcessing))
		if err != nil {
			return fmt.Errorf("ledger: mark completed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return appendLog(ctx, tx, id, "작업 완료! 다운로드 가능합니다.")
	})
}

// MarkFailed records the error verbatim and transitions to failed. Works
// from pending (config/format failures) as well as processing.
func (s *Store) MarkFailed(ctx context.Context, id, errMsg string) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, error = ?
			WHERE id = ? AND status IN (?, ?)
		`, string(StatusFailed), errMsg, id,
			string(StatusPending), string(StatusProcessing))
		if err != nil {
			return fmt.Errorf("ledger: mark failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return appendLog(ctx, tx, id, "error: "+errMsg)
	})
}

// QueuePosition counts jobs created strictly earlier that are still
// pending or processing. 0 means nothing is ahead.
func (s *Store) QueuePosition(ctx context.Context, id string) (int, error) {
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM jobs WHERE id = ?`, id).Scan(&createdAt)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: queue position: %w", err)
	}

	var n int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE created_at < ? AND status IN (?, ?)
	`, createdAt, string(StatusPending), string(StatusProcessing)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ledger: queue position: %w", err)
	}
	return n, nil
}

// ResetInterrupted force-fails every job found pending or processing.
// Called once at startup, before any worker runs. Returns the number of
// jobs it touched.
func (s *Store) ResetInterrupted(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM jobs WHERE status IN (?, ?)
	`, string(StatusPending), string(StatusProcessing))
	if err != nil {
		return 0, fmt.Errorf("ledger: reset interrupted: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `
				UPDATE jobs SET status = ?, error = ? WHERE id = ?
			`, string(StatusFailed), InterruptedError, id); err != nil {
				return err
			}
			return appendLog(ctx, tx, id, InterruptedError)
		})
		if err != nil {
			return 0, fmt.Errorf("ledger: reset job %s: %w", id, err)
		}
		s.logger.Warn("force-failed interrupted job", "job_id", id)
	}
	return len(ids), nil
}

// Delete removes an owner's terminal job and its filesystem artifacts:
// the upload dir, the uncompressed result dir (if the run died before
// cleanup), and the result archive. Active jobs are refused with ErrActive.
func (s *Store) Delete(ctx context.Context, id, owner string) error {
	job, err := s.GetOwned(ctx, id, owner)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return ErrActive
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("ledger: delete job: %w", err)
	}

	for _, p := range []string{
		filepath.Join(s.paths.UploadDir, id),
		filepath.Join(s.paths.ResultDir, id),
		filepath.Join(s.paths.ResultDir, id+".zip"),
	} {
		if err := os.RemoveAll(p); err != nil {
			s.logger.Warn("failed to remove job artifact", "job_id", id, "path", p, "error", err)
		}
	}
	return nil
}

func appendLog(ctx context.Context, tx *sql.Tx, id, line string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO job_logs (job_id, at, line) VALUES (?, ?, ?)
	`, id, time.Now().UnixMilli(), line)
	if err != nil {
		return fmt.Errorf("ledger: append log: %w", err)
	}
	return nil
}
