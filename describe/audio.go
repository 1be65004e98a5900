package describe

import (
	"context"
	"path/filepath"

	"github.com/hazyhaar/lectio/backend"
)

// Transcriber matches backend.TranscribeClient; an interface so tests can
// fake the speech endpoint without a server.
type Transcriber interface {
	Transcribe(ctx context.Context, path string, opts backend.TranscribeOptions) (*backend.Transcript, error)
}

// Audio transcribes a recording through the retry policy. Transcription has
// no token accounting — the speech endpoint is flat-rate local hardware.
func (d *Describer) Audio(ctx context.Context, tc Transcriber, path string, opts backend.TranscribeOptions) (*backend.Transcript, error) {
	var tr *backend.Transcript
	err := d.retry.Do(ctx, "transcribe "+filepath.Base(path), func(ctx context.Context) error {
		var trErr error
		tr, trErr = tc.Transcribe(ctx, path, opts)
		return trErr
	})
	if err != nil {
		return nil, &UnitFailedError{Index: 0, Filename: filepath.Base(path), Err: err}
	}
	return tr, nil
}
