package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// TranscribeClient uploads whole audio files to the speech endpoint. One
// file is one request — the server does its own segmentation.
type TranscribeClient struct {
	Endpoint string
	Token    string

	client *http.Client
	logger *slog.Logger
}

// NewTranscribeClient creates a client. Long recordings take a while to
// transcribe, so the timeout is generous (an hour by default).
func NewTranscribeClient(endpoint, token string, timeout time.Duration, logger *slog.Logger) *TranscribeClient {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = time.Hour
	}
	return &TranscribeClient{
		Endpoint: endpoint,
		Token:    token,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// TranscribeOptions select transcription language and model tier.
type TranscribeOptions struct {
	Language string `json:"language"` // "auto" lets the server detect
	Model    int    `json:"model"`    // 1=small 2=medium 3=large
}

// Transcript is the server's reply: plain text plus a timestamped variant.
type Transcript struct {
	Text         string `json:"text"`
	TextWithTime string `json:"text_with_time"`
}

// Transcribe uploads the file as multipart form data with the options as a
// JSON-encoded "option" field.
func (c *TranscribeClient) Transcribe(ctx context.Context, path string, opts TranscribeOptions) (*Transcript, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("copy audio file: %w", err)
	}

	optJSON, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("marshal options: %w", err)
	}
	if err := mw.WriteField("option", string(optJSON)); err != nil {
		return nil, fmt.Errorf("write option field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("create transcribe request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcribe request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(b)}
	}

	var tr Transcript
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}

	c.logger.Debug("transcription received",
		"file", filepath.Base(path),
		"duration", time.Since(start),
		"chars", len(tr.Text))

	return &tr, nil
}
