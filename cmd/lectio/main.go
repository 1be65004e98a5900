// Command lectio serves the lecture-materials conversion service: uploads
// go in, described-and-assembled Markdown/PDF bundles come out.
package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hazyhaar/lectio/account"
	"github.com/hazyhaar/lectio/api"
	"github.com/hazyhaar/lectio/assemble"
	"github.com/hazyhaar/lectio/backend"
	"github.com/hazyhaar/lectio/config"
	"github.com/hazyhaar/lectio/convert"
	"github.com/hazyhaar/lectio/dbopen"
	"github.com/hazyhaar/lectio/describe"
	"github.com/hazyhaar/lectio/docstore"
	"github.com/hazyhaar/lectio/ledger"
	"github.com/hazyhaar/lectio/pipeline"
)

func main() {
	godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "lectio.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("configuration", "error", err)
		os.Exit(1)
	}

	// Logging.
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Session keys derive from the configured secret.
	secretHash := sha256.Sum256([]byte(cfg.Server.SessionSecret))
	jwtSecret := secretHash[:]

	// Storage namespaces.
	for _, dir := range []string{cfg.Storage.UploadDir, cfg.Storage.ResultDir, cfg.Storage.DocsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("storage dir", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	// Database.
	db, err := dbopen.Open(cfg.Storage.DBPath,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(account.Schema),
		dbopen.WithSchema(ledger.Schema),
		dbopen.WithSchema(docstore.Schema),
	)
	if err != nil {
		slog.Error("database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	jobs := ledger.NewStore(db, ledger.Paths{
		UploadDir: cfg.Storage.UploadDir,
		ResultDir: cfg.Storage.ResultDir,
	}, logger)

	// Jobs that were mid-flight when the last process died cannot resume;
	// fail them now so they don't poll as processing forever.
	if n, err := jobs.ResetInterrupted(ctx); err != nil {
		slog.Error("reset interrupted jobs", "error", err)
		os.Exit(1)
	} else if n > 0 {
		slog.Info("interrupted jobs failed on startup", "count", n)
	}

	// Mail.
	var sender account.Sender
	if cfg.Mail.Host != "" {
		sender = &account.SMTPSender{
			Host:     cfg.Mail.Host,
			Port:     cfg.Mail.Port,
			Sender:   cfg.Mail.Sender,
			Password: cfg.Mail.Password,
		}
	} else {
		slog.Warn("no mail relay configured, verification codes go to the log")
		sender = &account.LogSender{Logger: logger}
	}
	accounts := account.NewStore(db, sender, logger)
	docs := docstore.NewStore(db, cfg.Storage.DocsDir, logger)

	// Conversion tooling.
	converter := convert.New(cfg.Pipeline.ImageDPI, logger)
	if err := converter.CheckTools(); err != nil {
		slog.Error("conversion tools", "error", err)
		os.Exit(1)
	}

	// Inference clients.
	resolver := backend.NewResolver(
		cfg.Backend.LocalURL, cfg.Backend.LocalToken,
		cfg.Backend.DefaultModel, cfg.Backend.ExternalURL, logger)
	chat := backend.NewChatClient(cfg.Backend.ChatTimeout, logger)
	transcriber := backend.NewTranscribeClient(
		cfg.Backend.AudioURL, cfg.Backend.LocalToken, cfg.Backend.AudioTimeout, logger)
	retry := backend.NewRetryPolicy(3, logger)
	describer := describe.New(chat, retry, logger)

	orch := &pipeline.Orchestrator{
		Ledger:      jobs,
		Accounts:    accounts,
		Resolver:    resolver,
		Converter:   converter,
		Describer:   describer,
		Transcriber: transcriber,
		Renderer:    assemble.NewPDFRenderer(cfg.Pipeline.RenderTimeout, logger),
		Gate:        pipeline.NewGate(),
		PoolWidth:   cfg.Pipeline.PoolWidth,
		UploadDir:   cfg.Storage.UploadDir,
		ResultDir:   cfg.Storage.ResultDir,
		Logger:      logger,
	}

	server := &api.Server{
		Accounts:     accounts,
		Jobs:         jobs,
		Docs:         docs,
		Orchestrator: orch,
		JWTSecret:    jwtSecret,
		UploadDir:    cfg.Storage.UploadDir,
		ResultDir:    cfg.Storage.ResultDir,
		Done:         ctx.Done(),
		Logger:       logger,
	}

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		httpSrv.Shutdown(shutCtx)
	}()

	slog.Info("lectio listening", "addr", httpSrv.Addr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}
