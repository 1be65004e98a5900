// Package pipeline drives a job from uploaded file to downloadable
// archive: conversion, per-unit description with bounded concurrency,
// ordered reassembly, and final packaging. The local backend is guarded by
// a single-flight gate; external backends run a small worker pool instead.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hazyhaar/lectio/assemble"
	"github.com/hazyhaar/lectio/backend"
	"github.com/hazyhaar/lectio/convert"
	"github.com/hazyhaar/lectio/describe"
	"github.com/hazyhaar/lectio/ledger"
)

// krwPerUSD converts the spend summary shown to users. A rough fixed rate
// is fine for a log line.
const krwPerUSD = 1400

// Resolver maps user settings to a backend target.
type Resolver interface {
	Resolve(ctx context.Context, s backend.Settings) (*backend.ModelConfig, error)
}

// Converter turns an upload into ordered units.
type Converter interface {
	ToUnits(ctx context.Context, src string, kind convert.Kind, workDir string) ([]convert.Unit, error)
}

// SlideDescriber produces one unit's Markdown fragment.
type SlideDescriber interface {
	Slide(ctx context.Context, cfg *backend.ModelConfig, index int, imagePath string) (*describe.Result, error)
	Audio(ctx context.Context, tc describe.Transcriber, path string, opts backend.TranscribeOptions) (*backend.Transcript, error)
}

// Renderer prints the assembled HTML to a PDF file.
type Renderer interface {
	Render(ctx context.Context, html, workDir, outPath string) error
}

// Accounts is the slice of the account store the pipeline needs.
type Accounts interface {
	GetSettings(ctx context.Context, id string) (backend.Settings, error)
	AddUsage(ctx context.Context, id string, usd float64) error
}

// Orchestrator runs jobs end to end. One instance serves the whole
// process; per-job state lives on the stack of Run.
type Orchestrator struct {
	Ledger      *ledger.Store
	Accounts    Accounts
	Resolver    Resolver
	Converter   Converter
	Describer   SlideDescriber
	Transcriber describe.Transcriber
	Renderer    Renderer

	Gate      *Gate
	PoolWidth int

	UploadDir string
	ResultDir string

	Logger *slog.Logger
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *Orchestrator) poolWidth() int {
	if o.PoolWidth > 0 {
		return o.PoolWidth
	}
	return 3
}

// Run processes one job to a terminal state. It never returns an error —
// every failure path ends in MarkFailed with the cause recorded on the
// job — and it is intended to be launched on its own goroutine.
func (o *Orchestrator) Run(ctx context.Context, jobID string) {
	log := o.logger().With("job_id", jobID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", "panic", r)
			o.fail(jobID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if err := o.run(ctx, jobID, log); err != nil {
		log.Warn("job failed", "error", err)
		o.fail(jobID, err.Error())
	}
}

// fail moves the job to failed outside the possibly-canceled request
// context so the terminal state always lands.
func (o *Orchestrator) fail(jobID, msg string) {
	if err := o.Ledger.MarkFailed(context.Background(), jobID, msg); err != nil {
		o.logger().Error("could not mark job failed", "job_id", jobID, "error", err)
	}
}

func (o *Orchestrator) run(ctx context.Context, jobID string, log *slog.Logger) error {
	job, err := o.Ledger.Get(ctx, jobID)
	if err != nil {
		return err
	}

	uploadPath := filepath.Join(o.UploadDir, job.ID, job.Filename)
	resultBase := filepath.Join(o.ResultDir, job.ID)
	defer os.RemoveAll(filepath.Join(o.UploadDir, job.ID))

	settings, err := o.Accounts.GetSettings(ctx, job.Owner)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	cfg, err := o.Resolver.Resolve(ctx, settings)
	if err != nil {
		// a ConfigError is the user's to fix; surface it verbatim
		return err
	}
	log.Info("model resolved", "provider", cfg.Provider, "model", cfg.ModelID)

	if cfg.Provider == backend.ProviderLocal {
		if err := o.acquireGate(ctx, job.ID, log); err != nil {
			return err
		}
		defer o.Gate.Release()
	}

	if err := o.Ledger.MarkProcessing(ctx, job.ID); err != nil {
		return err
	}

	if err := os.MkdirAll(resultBase, 0o755); err != nil {
		return fmt.Errorf("create result dir: %w", err)
	}

	var (
		markdown string
		extras   map[string]string
	)
	switch job.Kind {
	case ledger.KindAudio:
		markdown, extras, err = o.runAudio(ctx, job, settings, uploadPath)
	default:
		markdown, err = o.runSlides(ctx, job, cfg, uploadPath, resultBase)
	}
	if err != nil {
		os.RemoveAll(resultBase)
		return err
	}

	if err := o.finalize(ctx, job, markdown, extras, resultBase); err != nil {
		os.RemoveAll(resultBase)
		return err
	}
	return nil
}

// acquireGate waits for the local endpoint, telling the user where they
// stand in line while they wait.
func (o *Orchestrator) acquireGate(ctx context.Context, jobID string, log *slog.Logger) error {
	if o.Gate.TryAcquire() {
		return nil
	}

	pos, err := o.Ledger.QueuePosition(ctx, jobID)
	if err == nil {
		o.Ledger.Log(ctx, jobID, fmt.Sprintf("대기열 %d번째 — 로컬 모델 사용 가능 시 시작됩니다", pos))
	}
	log.Info("waiting for local backend", "queue_position", pos)

	return o.Gate.Acquire(ctx)
}

// runSlides converts the deck and describes every page, sequentially for
// the local backend and with a bounded pool for external ones. A unit that
// fails all its retries becomes a placeholder fragment; the job keeps
// going.
func (o *Orchestrator) runSlides(ctx context.Context, job *ledger.Job, cfg *backend.ModelConfig, uploadPath, resultBase string) (string, error) {
	o.Ledger.Log(ctx, job.ID, "문서 변환 중...")
	units, err := o.Converter.ToUnits(ctx, uploadPath, convert.KindSlides, resultBase)
	if err != nil {
		return "", fmt.Errorf("convert upload: %w", err)
	}
	total := len(units)

	fragments := make([]assemble.Fragment, total)
	var (
		mu    sync.Mutex
		done  int
		usage backend.Usage
	)

	// record folds one finished unit into the ledger under the mutex so
	// progress counts and token totals stay consistent.
	record := func(ctx context.Context, res *describe.Result, failed *describe.UnitFailedError) {
		mu.Lock()
		defer mu.Unlock()
		done++

		if failed != nil {
			fragments[failed.Index] = assemble.Fragment{
				Index:    failed.Index,
				Filename: failed.Filename,
				Body:     failed.Err.Error(),
				Failed:   true,
			}
			line := fmt.Sprintf("[%d/%d] %s 분석 실패: %v", done, total, failed.Filename, failed.Err)
			o.Ledger.Progress(ctx, job.ID, done, total, 0, 0, 0, backend.Cost(cfg.ModelID, usage), line)
			return
		}

		fragments[res.Index] = assemble.Fragment{
			Index:    res.Index,
			Filename: res.Filename,
			Body:     res.Body,
		}
		usage.Add(res.Usage.Prompt, res.Usage.Cached, res.Usage.Completion)
		line := fmt.Sprintf("[%d/%d] %s 완료 (in: %d, cached: %d, out: %d)",
			done, total, res.Filename, res.Usage.Prompt, res.Usage.Cached, res.Usage.Completion)
		o.Ledger.Progress(ctx, job.ID, done, total,
			int(res.Usage.Prompt), int(res.Usage.Cached), int(res.Usage.Completion),
			backend.Cost(cfg.ModelID, usage), line)
	}

	describeUnit := func(ctx context.Context, u convert.Unit) {
		res, err := o.Describer.Slide(ctx, cfg, u.Index, u.Path)
		if err != nil {
			var ue *describe.UnitFailedError
			if !errors.As(err, &ue) {
				ue = &describe.UnitFailedError{Index: u.Index, Filename: u.Filename, Err: err}
			}
			record(ctx, nil, ue)
			return
		}
		record(ctx, res, nil)
	}

	if cfg.Provider == backend.ProviderExternal {
		sem := make(chan struct{}, o.poolWidth())
		var wg sync.WaitGroup
		for _, u := range units {
			wg.Add(1)
			sem <- struct{}{}
			go func(u convert.Unit) {
				defer wg.Done()
				defer func() { <-sem }()
				describeUnit(ctx, u)
			}(u)
		}
		wg.Wait()
	} else {
		for _, u := range units {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			describeUnit(ctx, u)
		}
	}

	totalTokens := usage.Prompt + usage.Completion
	if cfg.Provider == backend.ProviderExternal {
		cost := backend.Cost(cfg.ModelID, usage)
		if cost > 0 {
			if err := o.Accounts.AddUsage(ctx, job.Owner, cost); err != nil {
				o.logger().Warn("could not record spend", "job_id", job.ID, "error", err)
			}
		}
		o.Ledger.Log(ctx, job.ID, fmt.Sprintf("작업 완료! 총 비용: $%.4f (약 ₩%d) | 총 토큰: %d",
			cost, int(cost*krwPerUSD), totalTokens))
	} else {
		o.Ledger.Log(ctx, job.ID, fmt.Sprintf("작업 완료! 총 토큰: %d", totalTokens))
	}

	return assemble.BuildMarkdown(fragments), nil
}

// runAudio sends the whole recording to the speech endpoint. extras maps
// additional archive filenames to their content.
func (o *Orchestrator) runAudio(ctx context.Context, job *ledger.Job, settings backend.Settings, uploadPath string) (string, map[string]string, error) {
	o.Ledger.Progress(ctx, job.ID, 0, 1, 0, 0, 0, 0, "음성 인식 중...")

	opts := backend.TranscribeOptions{Language: settings.AudioLanguage, Model: settings.AudioModel}
	if opts.Language == "" {
		opts.Language = "auto"
	}
	if opts.Model == 0 {
		opts.Model = 2
	}

	tr, err := o.Describer.Audio(ctx, o.Transcriber, uploadPath, opts)
	if err != nil {
		return "", nil, err
	}

	o.Ledger.Progress(ctx, job.ID, 1, 1, 0, 0, 0, 0, "음성 인식 완료")

	markdown := assemble.BuildTranscriptMarkdown(job.Filename, tr.Text)
	base := strings.TrimSuffix(job.Filename, filepath.Ext(job.Filename))
	extras := map[string]string{base + "_timestamps.txt": tr.TextWithTime}
	return markdown, extras, nil
}

// finalize writes the bundle, renders the PDF, zips everything, removes the
// uncompressed directory, and completes the job.
func (o *Orchestrator) finalize(ctx context.Context, job *ledger.Job, markdown string, extras map[string]string, resultBase string) error {
	if err := os.WriteFile(filepath.Join(resultBase, "result.md"), []byte(markdown), 0o644); err != nil {
		return fmt.Errorf("write result.md: %w", err)
	}
	for name, content := range extras {
		if err := os.WriteFile(filepath.Join(resultBase, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}

	o.Ledger.Log(ctx, job.ID, "PDF 생성 중...")
	html, err := assemble.RenderHTML(markdown, filepath.Join(resultBase, "images"))
	if err != nil {
		return err
	}
	if err := o.Renderer.Render(ctx, html, resultBase, filepath.Join(resultBase, "result.pdf")); err != nil {
		return err
	}

	o.Ledger.Log(ctx, job.ID, "결과물 압축 중...")
	zipPath := filepath.Join(o.ResultDir, job.ID+".zip")
	if err := assemble.ZipDir(resultBase, zipPath); err != nil {
		return err
	}
	if err := os.RemoveAll(resultBase); err != nil {
		o.logger().Warn("could not remove uncompressed results", "job_id", job.ID, "error", err)
	}

	return o.Ledger.MarkCompleted(ctx, job.ID, "/static/results/"+job.ID+".zip")
}
