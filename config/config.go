// Package config loads lectio configuration from an optional YAML file with
// environment-variable overrides and validated defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level lectio configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Backend  BackendConfig  `yaml:"backend"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Mail     MailConfig     `yaml:"mail"`
	LogLevel string         `yaml:"log_level"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port          string `yaml:"port"`
	SessionSecret string `yaml:"session_secret"`
}

// StorageConfig controls on-disk layout.
type StorageConfig struct {
	DBPath    string `yaml:"db_path"`
	UploadDir string `yaml:"upload_dir"`
	ResultDir string `yaml:"result_dir"`
	DocsDir   string `yaml:"docs_dir"`
}

// BackendConfig describes the inference endpoints.
type BackendConfig struct {
	LocalURL     string        `yaml:"local_url"`     // OpenAI-compatible local server
	LocalToken   string        `yaml:"local_token"`   // bearer token for the local server
	DefaultModel string        `yaml:"default_model"` // fallback when /models is unreachable
	ExternalURL  string        `yaml:"external_url"`  // external provider base URL
	AudioURL     string        `yaml:"audio_url"`     // transcription endpoint
	ChatTimeout  time.Duration `yaml:"chat_timeout"`
	AudioTimeout time.Duration `yaml:"audio_timeout"`
}

// PipelineConfig tunes the orchestrator.
type PipelineConfig struct {
	PoolWidth     int           `yaml:"pool_width"` // external-provider worker pool
	RenderTimeout time.Duration `yaml:"render_timeout"`
	ImageDPI      int           `yaml:"image_dpi"`
}

// MailConfig configures the signup verification sender. An empty Host
// disables SMTP and codes are logged instead.
type MailConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Sender   string `yaml:"sender"`
	Password string `yaml:"password"`
}

// Load reads the YAML file at path if it exists, applies environment
// overrides, then defaults. A missing file is not an error — env-only
// deployments are supported.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Fall through to env + defaults.
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	setStr(&c.Server.Port, "PORT")
	setStr(&c.Server.SessionSecret, "SESSION_SECRET")
	setStr(&c.Storage.DBPath, "DB_PATH")
	setStr(&c.Storage.UploadDir, "UPLOAD_DIR")
	setStr(&c.Storage.ResultDir, "RESULT_DIR")
	setStr(&c.Storage.DocsDir, "DOCS_DIR")
	setStr(&c.Backend.LocalURL, "LOCAL_LLM_URL")
	setStr(&c.Backend.LocalToken, "LOCAL_LLM_TOKEN")
	setStr(&c.Backend.DefaultModel, "DEFAULT_MODEL")
	setStr(&c.Backend.ExternalURL, "EXTERNAL_LLM_URL")
	setStr(&c.Backend.AudioURL, "AUDIO_LLM_URL")
	setStr(&c.LogLevel, "LOG_LEVEL")
	setInt(&c.Pipeline.PoolWidth, "POOL_WIDTH")
	setStr(&c.Mail.Host, "MAIL_HOST")
	setInt(&c.Mail.Port, "MAIL_PORT")
	setStr(&c.Mail.Sender, "MAIL_SENDER")
	setStr(&c.Mail.Password, "MAIL_PASSWORD")
}

func (c *Config) applyDefaults() error {
	if c.Server.Port == "" {
		c.Server.Port = "8090"
	}
	if c.Server.SessionSecret == "" {
		return fmt.Errorf("config: SESSION_SECRET is required")
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = "data/lectio.db"
	}
	if c.Storage.UploadDir == "" {
		c.Storage.UploadDir = "data/uploads"
	}
	if c.Storage.ResultDir == "" {
		c.Storage.ResultDir = "data/results"
	}
	if c.Storage.DocsDir == "" {
		c.Storage.DocsDir = "data/docs"
	}
	if c.Backend.LocalURL == "" {
		c.Backend.LocalURL = "http://localhost:8001/v1"
	}
	if c.Backend.DefaultModel == "" {
		c.Backend.DefaultModel = "qwen2-vl-7b-instruct"
	}
	if c.Backend.ExternalURL == "" {
		c.Backend.ExternalURL = "https://api.openai.com/v1"
	}
	if c.Backend.AudioURL == "" {
		c.Backend.AudioURL = "http://localhost:8002/transcribe"
	}
	if c.Backend.ChatTimeout <= 0 {
		c.Backend.ChatTimeout = 180 * time.Second
	}
	if c.Backend.AudioTimeout <= 0 {
		c.Backend.AudioTimeout = time.Hour
	}
	if c.Pipeline.PoolWidth < 1 {
		c.Pipeline.PoolWidth = 3
	}
	if c.Pipeline.RenderTimeout <= 0 {
		c.Pipeline.RenderTimeout = 2 * time.Minute
	}
	if c.Pipeline.ImageDPI <= 0 {
		c.Pipeline.ImageDPI = 150
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}

func setStr(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
