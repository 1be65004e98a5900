package assemble

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// RenderError reports a PDF rendering failure. The Markdown result is still
// usable, so callers may choose to ship the archive without the PDF.
type RenderError struct {
	Err error
}

func (e *RenderError) Error() string { return fmt.Sprintf("pdf render failed: %v", e.Err) }
func (e *RenderError) Unwrap() error { return e.Err }

// PDFRenderer prints HTML through a headless Chrome. One browser instance
// is launched lazily and shared; Chrome serializes print jobs internally.
type PDFRenderer struct {
	Timeout time.Duration

	logger *slog.Logger
}

// NewPDFRenderer builds a renderer with the given per-document timeout.
func NewPDFRenderer(timeout time.Duration, logger *slog.Logger) *PDFRenderer {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PDFRenderer{Timeout: timeout, logger: logger}
}

// Render writes html to a scratch file, opens it in headless Chrome, and
// prints it to outPath. The page is loaded from file:// so the file://
// image references inside it resolve.
func (r *PDFRenderer) Render(ctx context.Context, html, workDir, outPath string) error {
	htmlPath := filepath.Join(workDir, "print.html")
	if err := os.WriteFile(htmlPath, []byte(html), 0o644); err != nil {
		return &RenderError{Err: fmt.Errorf("write scratch html: %w", err)}
	}
	defer os.Remove(htmlPath)

	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	l := launcher.New().Headless(true)
	wsURL, err := l.Context(ctx).Launch()
	if err != nil {
		return &RenderError{Err: fmt.Errorf("launch chrome: %w", err)}
	}
	defer l.Cleanup()

	browser := rod.New().ControlURL(wsURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return &RenderError{Err: fmt.Errorf("connect chrome: %w", err)}
	}
	defer browser.Close()

	abs, err := filepath.Abs(htmlPath)
	if err != nil {
		return &RenderError{Err: err}
	}
	page, err := browser.Page(proto.TargetCreateTarget{URL: "file://" + filepath.ToSlash(abs)})
	if err != nil {
		return &RenderError{Err: fmt.Errorf("open page: %w", err)}
	}
	defer page.Close()

	if err := page.WaitLoad(); err != nil {
		return &RenderError{Err: fmt.Errorf("wait for page load: %w", err)}
	}

	stream, err := page.PDF(&proto.PagePrintToPDF{PrintBackground: true})
	if err != nil {
		return &RenderError{Err: fmt.Errorf("print to pdf: %w", err)}
	}
	pdf, err := io.ReadAll(stream)
	if err != nil {
		return &RenderError{Err: fmt.Errorf("read pdf stream: %w", err)}
	}

	if err := os.WriteFile(outPath, pdf, 0o644); err != nil {
		return &RenderError{Err: fmt.Errorf("write pdf: %w", err)}
	}
	r.logger.Debug("pdf rendered", "path", outPath, "bytes", len(pdf))
	return nil
}
