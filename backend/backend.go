// Package backend talks to the inference endpoints: it resolves which model
// a job targets, sends chat-completion and transcription requests, and owns
// the retry policy and token pricing used for cost accounting.
package backend

import "fmt"

// Provider classifies where a model runs. Local models share one
// hardware-bound endpoint and are serialized by the pipeline's gate;
// external models are rate-limited by their operator and processed with a
// bounded pool instead.
type Provider string

const (
	ProviderLocal    Provider = "local"
	ProviderExternal Provider = "external"
)

// ModelConfig is the resolved backend selection for one job. Immutable once
// resolved.
type ModelConfig struct {
	Provider     Provider
	ModelID      string
	BaseURL      string
	APIKey       string // external only
	Token        string // local server bearer token, may be empty
	SystemPrompt string // user customization, empty = default
}

// Settings are the per-user fields the resolver consumes.
type Settings struct {
	PreferredModel string
	APIKey         string
	CustomPrompt   string
	AudioLanguage  string
	AudioModel     int
}

// ConfigError reports bad or missing backend settings. It fails a job
// before any unit work starts and is fixed by the user, not by retrying.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// StatusError is a non-2xx response from an inference endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Body)
}
