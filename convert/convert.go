// Package convert turns an uploaded lecture file into the ordered
// processing units the pipeline works through: one PNG per slide for
// documents, the file itself for audio.
package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// ErrUnsupportedFormat rejects uploads with an extension nothing here can
// handle.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// Kind groups extensions by how they are processed.
type Kind string

const (
	KindSlides Kind = "slides"
	KindAudio  Kind = "audio"
)

var audioExts = map[string]bool{
	".mp3": true, ".wav": true, ".m4a": true, ".ogg": true, ".flac": true,
}

var slideExts = map[string]bool{
	".pdf": true, ".ppt": true, ".pptx": true,
}

// Detect classifies a filename by extension.
func Detect(filename string) (Kind, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case slideExts[ext]:
		return KindSlides, nil
	case audioExts[ext]:
		return KindAudio, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

// Unit is one independently describable piece of the upload. Index is the
// ordinal it must appear at in the final document, regardless of when its
// description finishes.
type Unit struct {
	Index    int
	Path     string
	Filename string
}

// Converter shells out to the rendering tools. Both binaries are checked at
// construction so a misconfigured host fails loudly at startup, not at the
// first upload.
type Converter struct {
	DPI    int
	logger *slog.Logger
}

// New builds a Converter rendering pages at the given DPI.
func New(dpi int, logger *slog.Logger) *Converter {
	if dpi <= 0 {
		dpi = 150
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{DPI: dpi, logger: logger}
}

// CheckTools verifies the external binaries are on PATH.
func (c *Converter) CheckTools() error {
	for _, bin := range []string{"pdftoppm", "soffice"} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("required tool %s not found: %w", bin, err)
		}
	}
	return nil
}

// ToUnits converts src into ordered units under workDir. Slides become
// images/page_NNN.png; audio passes through as a single unit.
func (c *Converter) ToUnits(ctx context.Context, src string, kind Kind, workDir string) ([]Unit, error) {
	switch kind {
	case KindAudio:
		return []Unit{{Index: 0, Path: src, Filename: filepath.Base(src)}}, nil
	case KindSlides:
		return c.slidesToUnits(ctx, src, workDir)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, kind)
	}
}

func (c *Converter) slidesToUnits(ctx context.Context, src, workDir string) ([]Unit, error) {
	pdf := src
	ext := strings.ToLower(filepath.Ext(src))
	if ext == ".ppt" || ext == ".pptx" {
		// Intermediate PDF goes next to the upload, never into workDir:
		// workDir is archived verbatim once the job finishes.
		converted, err := c.officeToPDF(ctx, src, filepath.Dir(src))
		if err != nil {
			return nil, err
		}
		pdf = converted
	}

	pages, err := api.PageCountFile(pdf)
	if err != nil {
		return nil, fmt.Errorf("read page count: %w", err)
	}
	if pages == 0 {
		return nil, errors.New("document has no pages")
	}

	imgDir := filepath.Join(workDir, "images")
	if err := os.MkdirAll(imgDir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}

	// pdftoppm page_%0Nd.png; three digits keeps lexical order up to 999
	// pages.
	cmd := exec.CommandContext(ctx, "pdftoppm",
		"-png",
		"-r", fmt.Sprint(c.DPI),
		pdf,
		filepath.Join(imgDir, "page"))
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("render pages: %w: %s", err, strings.TrimSpace(string(out)))
	}

	entries, err := os.ReadDir(imgDir)
	if err != nil {
		return nil, fmt.Errorf("list rendered pages: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".png") {
			names = append(names, e.Name())
		}
	}
	// pdftoppm zero-pads the page number to a fixed width, so lexical
	// order is page order.
	sort.Strings(names)
	if len(names) != pages {
		c.logger.Warn("rendered page count differs from document page count",
			"rendered", len(names), "pages", pages)
	}
	if len(names) == 0 {
		return nil, errors.New("no pages rendered")
	}

	units := make([]Unit, len(names))
	for i, name := range names {
		units[i] = Unit{Index: i, Path: filepath.Join(imgDir, name), Filename: name}
	}
	c.logger.Info("document converted", "file", filepath.Base(src), "pages", len(units))
	return units, nil
}

// officeToPDF converts a presentation to PDF with headless LibreOffice.
// soffice names the output after the input, so the result path is derived
// rather than chosen.
func (c *Converter) officeToPDF(ctx context.Context, src, workDir string) (string, error) {
	cmd := exec.CommandContext(ctx, "soffice",
		"--headless",
		"--convert-to", "pdf",
		"--outdir", workDir,
		src)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("convert presentation: %w: %s", err, strings.TrimSpace(string(out)))
	}

	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	pdf := filepath.Join(workDir, base+".pdf")
	if _, err := os.Stat(pdf); err != nil {
		return "", fmt.Errorf("converted pdf not found: %w", err)
	}
	return pdf, nil
}
