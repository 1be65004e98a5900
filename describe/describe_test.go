package describe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/lectio/backend"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noSleep() backend.RetryPolicy {
	p := backend.NewRetryPolicy(3, discard())
	p.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return p
}

func writeImage(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("png-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSlideDescribe(t *testing.T) {
	var got backend.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "## page_001.png\n\n내용 정리."}},
			},
			"usage": map[string]any{
				"prompt_tokens":         900,
				"completion_tokens":     300,
				"prompt_tokens_details": map[string]int{"cached_tokens": 850},
			},
		})
	}))
	defer srv.Close()

	d := New(backend.NewChatClient(10*time.Second, discard()), noSleep(), discard())
	cfg := &backend.ModelConfig{Provider: backend.ProviderExternal, ModelID: "gpt-4o", BaseURL: srv.URL, APIKey: "sk"}

	img := writeImage(t, t.TempDir(), "page_001.png")
	res, err := d.Slide(context.Background(), cfg, 3, img)
	if err != nil {
		t.Fatalf("Slide: %v", err)
	}

	if res.Index != 3 || res.Filename != "page_001.png" {
		t.Errorf("result = %+v", res)
	}
	if !strings.HasPrefix(res.Body, "## page_001.png") {
		t.Errorf("body = %q", res.Body)
	}
	if res.Usage.Prompt != 900 || res.Usage.Cached != 850 || res.Usage.Completion != 300 {
		t.Errorf("usage = %+v", res.Usage)
	}

	if len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Fatalf("messages = %+v", got.Messages)
	}
	if !strings.Contains(got.Messages[0].Content[0].Text, "AI 조교") {
		t.Errorf("system prompt missing default instructions")
	}
	user := got.Messages[1]
	if !strings.Contains(user.Content[0].Text, `"page_001.png"`) {
		t.Errorf("user instruction = %q", user.Content[0].Text)
	}
	if user.Content[1].ImageURL == nil || !strings.HasPrefix(user.Content[1].ImageURL.URL, "data:image/png;base64,") {
		t.Errorf("image part = %+v", user.Content[1])
	}
	if got.MaxCompletionTokens != 1600 {
		t.Errorf("max_completion_tokens = %d", got.MaxCompletionTokens)
	}
}

func TestSlideCustomPromptOverridesDefault(t *testing.T) {
	var got backend.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": "ok"}}},
		})
	}))
	defer srv.Close()

	d := New(backend.NewChatClient(10*time.Second, discard()), noSleep(), discard())
	cfg := &backend.ModelConfig{ModelID: "m", BaseURL: srv.URL, SystemPrompt: "always answer in English"}

	img := writeImage(t, t.TempDir(), "page_001.png")
	if _, err := d.Slide(context.Background(), cfg, 0, img); err != nil {
		t.Fatalf("Slide: %v", err)
	}
	if got.Messages[0].Content[0].Text != "always answer in English" {
		t.Errorf("system prompt = %q", got.Messages[0].Content[0].Text)
	}
}

func TestSlideFailureWrapsUnit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	d := New(backend.NewChatClient(10*time.Second, discard()), noSleep(), discard())
	cfg := &backend.ModelConfig{ModelID: "m", BaseURL: srv.URL}

	img := writeImage(t, t.TempDir(), "page_007.png")
	_, err := d.Slide(context.Background(), cfg, 6, img)

	var ue *UnitFailedError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnitFailedError, got %v", err)
	}
	if ue.Index != 6 || ue.Filename != "page_007.png" {
		t.Errorf("unit error = %+v", ue)
	}
	var se *backend.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Errorf("cause not preserved: %v", err)
	}
}

type fakeTranscriber struct {
	fails int
	calls int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, path string, opts backend.TranscribeOptions) (*backend.Transcript, error) {
	f.calls++
	if f.calls <= f.fails {
		return nil, &backend.StatusError{Code: 500, Body: "overloaded"}
	}
	return &backend.Transcript{Text: "hello", TextWithTime: "[00:00] hello"}, nil
}

func TestAudioRetriesTransientFailure(t *testing.T) {
	d := New(backend.NewChatClient(time.Second, discard()), noSleep(), discard())
	ft := &fakeTranscriber{fails: 2}

	tr, err := d.Audio(context.Background(), ft, "/tmp/lecture.mp3", backend.TranscribeOptions{Language: "auto", Model: 2})
	if err != nil {
		t.Fatalf("Audio: %v", err)
	}
	if ft.calls != 3 {
		t.Errorf("calls = %d, want 3", ft.calls)
	}
	if tr.Text != "hello" {
		t.Errorf("transcript = %+v", tr)
	}
}

func TestAudioExhaustionWrapsUnit(t *testing.T) {
	d := New(backend.NewChatClient(time.Second, discard()), noSleep(), discard())
	ft := &fakeTranscriber{fails: 10}

	_, err := d.Audio(context.Background(), ft, "/tmp/lecture.mp3", backend.TranscribeOptions{})
	var ue *UnitFailedError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnitFailedError, got %v", err)
	}
	if ue.Filename != "lecture.mp3" {
		t.Errorf("filename = %q", ue.Filename)
	}
}
