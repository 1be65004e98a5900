package backend

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// externalPrefix marks model names served by the external provider.
const externalPrefix = "gpt"

// Resolver decides which backend a job targets.
type Resolver struct {
	LocalURL     string // OpenAI-compatible local endpoint, e.g. http://localhost:8001/v1
	LocalToken   string
	DefaultModel string // used when the local /models listing is unreachable
	ExternalURL  string

	client *http.Client
	logger *slog.Logger
}

// NewResolver builds a Resolver. The model-listing probe uses a short
// timeout of its own — resolution must not hang a job behind a dead server.
func NewResolver(localURL, localToken, defaultModel, externalURL string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		LocalURL:     strings.TrimRight(localURL, "/"),
		LocalToken:   localToken,
		DefaultModel: defaultModel,
		ExternalURL:  strings.TrimRight(externalURL, "/"),
		client:       &http.Client{Timeout: 5 * time.Second},
		logger:       logger,
	}
}

// Resolve maps user settings to a ModelConfig.
//
// An external model name without an API key is a ConfigError — detected
// here, before any file conversion runs. Local mode asks the endpoint for
// its model list and takes the first advertised id; if the listing fails
// for any reason the configured default is used instead of failing, since
// a stale model id is more useful than a dead job.
func (r *Resolver) Resolve(ctx context.Context, s Settings) (*ModelConfig, error) {
	pref := s.PreferredModel
	if pref == "" {
		pref = "local"
	}

	if strings.HasPrefix(pref, externalPrefix) {
		if s.APIKey == "" {
			return nil, &ConfigError{Reason: "external model selected but no API key is set"}
		}
		return &ModelConfig{
			Provider:     ProviderExternal,
			ModelID:      pref,
			BaseURL:      r.ExternalURL,
			APIKey:       s.APIKey,
			SystemPrompt: s.CustomPrompt,
		}, nil
	}

	return &ModelConfig{
		Provider:     ProviderLocal,
		ModelID:      r.localModelID(ctx),
		BaseURL:      r.LocalURL,
		Token:        r.LocalToken,
		SystemPrompt: s.CustomPrompt,
	}, nil
}

// localModelID queries GET {local}/models and returns the first advertised
// id, falling back to the default on any failure.
func (r *Resolver) localModelID(ctx context.Context) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.LocalURL+"/models", nil)
	if err != nil {
		return r.DefaultModel
	}
	if r.LocalToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.LocalToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("local model listing unreachable, using default",
			"default", r.DefaultModel, "error", err)
		return r.DefaultModel
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.logger.Warn("local model listing refused, using default",
			"status", resp.StatusCode, "default", r.DefaultModel)
		return r.DefaultModel
	}

	var listing struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil || len(listing.Data) == 0 {
		r.logger.Warn("local model listing unparseable, using default",
			"default", r.DefaultModel, "error", err)
		return r.DefaultModel
	}
	return listing.Data[0].ID
}
