// Package describe turns processing units into Markdown fragments by asking
// a vision model (slides) or the speech endpoint (audio) about them.
package describe

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hazyhaar/lectio/backend"
)

// defaultSystemPrompt keeps the fixed instructions in the system message so
// providers with prompt caching can reuse it across every slide of a job.
const defaultSystemPrompt = `당신은 전공 강의 자료를 분석하고 요약하는 전문 AI 조교입니다.
제공되는 이미지는 강의 PPT 슬라이드입니다.

[분석 및 출력 규칙]
1. **반드시 Markdown 형식**으로 작성하십시오.
2. 언어는 **한국어**를 사용하십시오.
3. 인삿말, 서론, 메타 설명("이 슬라이드는...", "분석 결과입니다")은 생략하고 바로 본론만 작성하십시오.
4. 코드 블록으로 감싸지 말고 순수 마크다운 텍스트만 출력하십시오.

[포함해야 할 내용]
1. **슬라이드 주제**: 슬라이드의 핵심 주제를 파악하여 요약하십시오.
2. **시각 자료 설명**: 그림, 도표, 그래프가 있다면 그 의미와 수치를 상세히 설명하십시오.
3. **상세 설명**: 전공자의 관점에서 텍스트 내용을 논리적으로 재구성하여 매우 자세하게 설명하십시오.`

const maxCompletionTokens = 1600

// UnitFailedError marks a unit whose description failed after all retries.
// The pipeline keeps going and inserts a placeholder at the unit's position.
type UnitFailedError struct {
	Index    int
	Filename string
	Err      error
}

func (e *UnitFailedError) Error() string {
	return fmt.Sprintf("unit %d (%s) failed: %v", e.Index, e.Filename, e.Err)
}

func (e *UnitFailedError) Unwrap() error { return e.Err }

// Result is one unit's finished description plus the tokens it consumed.
type Result struct {
	Index    int
	Filename string
	Body     string
	Usage    backend.Usage
}

// Describer drives the chat endpoint through the retry policy.
type Describer struct {
	chat  *backend.ChatClient
	retry backend.RetryPolicy

	logger *slog.Logger
}

// New builds a Describer.
func New(chat *backend.ChatClient, retry backend.RetryPolicy, logger *slog.Logger) *Describer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Describer{chat: chat, retry: retry, logger: logger}
}

// Slide describes one slide image. Failures after retries come back as
// *UnitFailedError so the caller can distinguish a lost unit from a lost
// job.
func (d *Describer) Slide(ctx context.Context, cfg *backend.ModelConfig, index int, imagePath string) (*Result, error) {
	filename := filepath.Base(imagePath)

	dataURL, err := imageDataURL(imagePath)
	if err != nil {
		return nil, &UnitFailedError{Index: index, Filename: filename, Err: err}
	}

	system := defaultSystemPrompt
	if cfg.SystemPrompt != "" {
		system = cfg.SystemPrompt
	}
	userInstruction := fmt.Sprintf(`이 슬라이드의 파일명은 "%s"입니다.
위의 규칙에 따라 이 슬라이드를 분석해 주세요.
제목은 "## %s" 형식을 사용해 주세요.`, filename, filename)

	req := backend.ChatRequest{
		Model: cfg.ModelID,
		Messages: []backend.ChatMessage{
			{
				Role:    "system",
				Content: []backend.ContentPart{{Type: "text", Text: system}},
			},
			{
				Role: "user",
				Content: []backend.ContentPart{
					{Type: "text", Text: userInstruction},
					{Type: "image_url", ImageURL: &backend.ImageURL{URL: dataURL}},
				},
			},
		},
		MaxCompletionTokens: maxCompletionTokens,
	}

	var resp *backend.ChatResponse
	op := fmt.Sprintf("describe %s", filename)
	err = d.retry.Do(ctx, op, func(ctx context.Context) error {
		var sendErr error
		resp, sendErr = d.chat.Send(ctx, cfg, req)
		return sendErr
	})
	if err != nil {
		return nil, &UnitFailedError{Index: index, Filename: filename, Err: err}
	}

	res := &Result{
		Index:    index,
		Filename: filename,
		Body:     strings.TrimSpace(resp.Choices[0].Message.Content),
	}
	res.Usage.Add(
		int64(resp.Usage.PromptTokens),
		int64(resp.Usage.PromptTokensDetails.CachedTokens),
		int64(resp.Usage.CompletionTokens),
	)
	return res, nil
}

// imageDataURL inlines the image as a base64 data URL so no separate upload
// round-trip is needed.
func imageDataURL(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	mime := "image/jpeg"
	if strings.EqualFold(filepath.Ext(path), ".png") {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(raw), nil
}
