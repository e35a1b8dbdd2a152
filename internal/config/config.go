package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/MimeLyc/ai-video-pipeline/pkg/log"
)

// Config holds all application configuration. Values come from environment
// variables with sensible defaults, then from the YAML file named by
// CONFIG_FILE (only keys present in the file override), then from options.
//
// Environment Variables:
// Server:
// - HTTP_ADDR: listen address (default: :8080)
// - UI_ENABLED / UI_STATIC_DIR: serve a static web UI (default: false, /app/web)
//
// Storage:
// - DATA_DIR: root for the database and job artifacts (default: /app/data)
// - DB_PATH: SQLite file (default: $DATA_DIR/aivideo.db)
// - ARTIFACTS_DIR: per-job output directories (default: $DATA_DIR/jobs)
// - PRESETS_FILE: YAML presets catalog overriding the built-in one (optional)
//
// Worker:
// - WORKER_COUNT (default: 2), WORKER_LEASE (default: 2m),
// - WORKER_HEARTBEAT (default: 30s), QUEUE_POLL_INTERVAL (default: 1s),
// - MAX_RETRIES (default: 3), REAPER_CRON (default: */5 * * * *)
//
// Pipeline:
// - SCENE_CONCURRENCY (default: 3), SCENE_ATTEMPTS (default: 3),
// - ASSEMBLY_ATTEMPTS (default: 2), RETRY_BACKOFF_INITIAL (default: 2s),
// - RETRY_BACKOFF_MAX (default: 30s), VIDEO_FPS (default: 25)
// - FALLBACK_LANGUAGE: narration language when detection fails (default: pt)
//
// Subtitles:
// - SUBTITLE_MIN_CUE_DURATION (default: 1s), SUBTITLE_MIN_GAP (default: 100ms),
// - SUBTITLE_SCENE_GAP (default: 0s), SUBTITLE_MAX_CHARS (default: 84)
//
// LLM:
// - LLM_API_KEY: needed only for theme-based jobs
// - LLM_API_URL (default: https://openrouter.ai/api/v1), LLM_MODEL,
// - LLM_MAX_TOKENS, LLM_TEMPERATURE, LLM_TIMEOUT, LLM_SITE_URL, LLM_APP_NAME
//
// Image / speech / media:
// - IMAGE_API_URL, IMAGE_MODEL, IMAGE_TIMEOUT
// - ELEVENLABS_API_KEY, ELEVENLABS_API_URL, ELEVENLABS_MODEL, TTS_COMMAND, TTS_TIMEOUT
// - FFMPEG_BIN, FFPROBE_BIN, BURN_SUBTITLES
//
// Retention:
// - RETENTION_CRON (default: 0 * * * *), RETENTION_MAX_AGE (default: 24h)
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Worker    WorkerConfig    `json:"worker" yaml:"worker"`
	Pipeline  PipelineConfig  `json:"pipeline" yaml:"pipeline"`
	Subtitle  SubtitleConfig  `json:"subtitle" yaml:"subtitle"`
	LLM       LLMConfig       `json:"llm" yaml:"llm"`
	Image     ImageConfig     `json:"image" yaml:"image"`
	TTS       TTSConfig       `json:"tts" yaml:"tts"`
	Media     MediaConfig     `json:"media" yaml:"media"`
	Retention RetentionConfig `json:"retention" yaml:"retention"`
}

type ServerConfig struct {
	Addr           string        `json:"addr" yaml:"addr"`
	UIEnabled      bool          `json:"ui_enabled" yaml:"ui_enabled"`
	UIStaticDir    string        `json:"ui_static_dir" yaml:"ui_static_dir"`
	StreamInterval time.Duration `json:"stream_interval" yaml:"stream_interval"`
}

type StorageConfig struct {
	DataDir      string `json:"data_dir" yaml:"data_dir"`
	DBPath       string `json:"db_path" yaml:"db_path"`
	ArtifactsDir string `json:"artifacts_dir" yaml:"artifacts_dir"`
	PresetsFile  string `json:"presets_file" yaml:"presets_file"`
}

type WorkerConfig struct {
	Count        int           `json:"count" yaml:"count"`
	Lease        time.Duration `json:"lease" yaml:"lease"`
	Heartbeat    time.Duration `json:"heartbeat" yaml:"heartbeat"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	MaxRetries   int           `json:"max_retries" yaml:"max_retries"`
	ReaperCron   string        `json:"reaper_cron" yaml:"reaper_cron"`
}

type PipelineConfig struct {
	SceneConcurrency int           `json:"scene_concurrency" yaml:"scene_concurrency"`
	SceneAttempts    int           `json:"scene_attempts" yaml:"scene_attempts"`
	AssemblyAttempts int           `json:"assembly_attempts" yaml:"assembly_attempts"`
	BackoffInitial   time.Duration `json:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax       time.Duration `json:"backoff_max" yaml:"backoff_max"`
	FPS              int           `json:"fps" yaml:"fps"`
	FallbackLanguage string        `json:"fallback_language" yaml:"fallback_language"`
}

type SubtitleConfig struct {
	MinCueDuration time.Duration `json:"min_cue_duration" yaml:"min_cue_duration"`
	MinGap         time.Duration `json:"min_gap" yaml:"min_gap"`
	SceneGap       time.Duration `json:"scene_gap" yaml:"scene_gap"`
	MaxCharsPerCue int           `json:"max_chars_per_cue" yaml:"max_chars_per_cue"`
}

// LLMConfig holds the configuration for the script model client.
// Supports any OpenAI-compatible provider (OpenRouter, OpenAI, etc.)
type LLMConfig struct {
	APIKey      string  `json:"-" yaml:"api_key"`
	APIURL      string  `json:"api_url" yaml:"api_url"`
	Model       string  `json:"model" yaml:"model"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	Timeout     int     `json:"timeout" yaml:"timeout"`
	SiteURL     string  `json:"site_url" yaml:"site_url"`
	AppName     string  `json:"app_name" yaml:"app_name"`
}

type ImageConfig struct {
	APIURL  string        `json:"api_url" yaml:"api_url"`
	Model   string        `json:"model" yaml:"model"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

type TTSConfig struct {
	ElevenLabsAPIKey string        `json:"-" yaml:"elevenlabs_api_key"`
	ElevenLabsURL    string        `json:"elevenlabs_url" yaml:"elevenlabs_url"`
	ElevenLabsModel  string        `json:"elevenlabs_model" yaml:"elevenlabs_model"`
	Command          string        `json:"command" yaml:"command"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
}

type MediaConfig struct {
	FFmpegBin     string `json:"ffmpeg_bin" yaml:"ffmpeg_bin"`
	FFprobeBin    string `json:"ffprobe_bin" yaml:"ffprobe_bin"`
	BurnSubtitles bool   `json:"burn_subtitles" yaml:"burn_subtitles"`
}

type RetentionConfig struct {
	Cron   string        `json:"cron" yaml:"cron"`
	MaxAge time.Duration `json:"max_age" yaml:"max_age"`
}

// DBPath returns the SQLite file location.
func (c *Config) DBPath() string {
	if c.Storage.DBPath != "" {
		return c.Storage.DBPath
	}
	return filepath.Join(c.Storage.DataDir, "aivideo.db")
}

// ArtifactsDir returns the root of per-job output directories.
func (c *Config) ArtifactsDir() string {
	if c.Storage.ArtifactsDir != "" {
		return c.Storage.ArtifactsDir
	}
	return filepath.Join(c.Storage.DataDir, "jobs")
}

// Option is a function type for configuring Config
type Option func(*Config)

// WithFile overlays the YAML file at path, replacing CONFIG_FILE.
func WithFile(path string) Option {
	return func(c *Config) {
		if path == "" {
			return
		}
		if err := c.overlay(path); err != nil {
			log.Warn("Ignoring config file %s: %v", path, err)
		}
	}
}

func WithDataDir(dir string) Option {
	return func(c *Config) {
		if dir != "" {
			c.Storage.DataDir = dir
		}
	}
}

func WithWorkerCount(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.Worker.Count = n
		}
	}
}

// NewFromEnv creates a new Config instance with values from environment variables, the optional config file and options
func NewFromEnv(opts ...Option) (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Addr:           getEnvString("HTTP_ADDR", ":8080"),
			UIEnabled:      getEnvBool("UI_ENABLED", false),
			UIStaticDir:    getEnvString("UI_STATIC_DIR", "/app/web"),
			StreamInterval: getEnvDuration("STREAM_INTERVAL", time.Second),
		},
		Storage: StorageConfig{
			DataDir:      getEnvString("DATA_DIR", "/app/data"),
			DBPath:       getEnvString("DB_PATH", ""),
			ArtifactsDir: getEnvString("ARTIFACTS_DIR", ""),
			PresetsFile:  getEnvString("PRESETS_FILE", ""),
		},
		Worker: WorkerConfig{
			Count:        getEnvInt("WORKER_COUNT", 2),
			Lease:        getEnvDuration("WORKER_LEASE", 2*time.Minute),
			Heartbeat:    getEnvDuration("WORKER_HEARTBEAT", 30*time.Second),
			PollInterval: getEnvDuration("QUEUE_POLL_INTERVAL", time.Second),
			MaxRetries:   getEnvInt("MAX_RETRIES", 3),
			ReaperCron:   getEnvString("REAPER_CRON", "*/5 * * * *"),
		},
		Pipeline: PipelineConfig{
			SceneConcurrency: getEnvInt("SCENE_CONCURRENCY", 3),
			SceneAttempts:    getEnvInt("SCENE_ATTEMPTS", 3),
			AssemblyAttempts: getEnvInt("ASSEMBLY_ATTEMPTS", 2),
			BackoffInitial:   getEnvDuration("RETRY_BACKOFF_INITIAL", 2*time.Second),
			BackoffMax:       getEnvDuration("RETRY_BACKOFF_MAX", 30*time.Second),
			FPS:              getEnvInt("VIDEO_FPS", 25),
			FallbackLanguage: getEnvString("FALLBACK_LANGUAGE", "pt"),
		},
		Subtitle: SubtitleConfig{
			MinCueDuration: getEnvDuration("SUBTITLE_MIN_CUE_DURATION", time.Second),
			MinGap:         getEnvDuration("SUBTITLE_MIN_GAP", 100*time.Millisecond),
			SceneGap:       getEnvDuration("SUBTITLE_SCENE_GAP", 0),
			MaxCharsPerCue: getEnvInt("SUBTITLE_MAX_CHARS", 84),
		},
		LLM: LLMConfig{
			APIKey:      getEnvString("LLM_API_KEY", ""),
			APIURL:      getEnvString("LLM_API_URL", "https://openrouter.ai/api/v1"),
			Model:       getEnvString("LLM_MODEL", "openai/gpt-4o-mini"),
			MaxTokens:   getEnvInt("LLM_MAX_TOKENS", 4000),
			Temperature: getEnvFloat("LLM_TEMPERATURE", 0.8),
			Timeout:     getEnvInt("LLM_TIMEOUT", 60),
			SiteURL:     getEnvString("LLM_SITE_URL", ""),
			AppName:     getEnvString("LLM_APP_NAME", "aivideo"),
		},
		Image: ImageConfig{
			APIURL:  getEnvString("IMAGE_API_URL", "https://image.pollinations.ai"),
			Model:   getEnvString("IMAGE_MODEL", "flux"),
			Timeout: getEnvDuration("IMAGE_TIMEOUT", 90*time.Second),
		},
		TTS: TTSConfig{
			ElevenLabsAPIKey: getEnvString("ELEVENLABS_API_KEY", ""),
			ElevenLabsURL:    getEnvString("ELEVENLABS_API_URL", "https://api.elevenlabs.io"),
			ElevenLabsModel:  getEnvString("ELEVENLABS_MODEL", "eleven_multilingual_v2"),
			Command:          getEnvString("TTS_COMMAND", "gtts-cli"),
			Timeout:          getEnvDuration("TTS_TIMEOUT", 60*time.Second),
		},
		Media: MediaConfig{
			FFmpegBin:     getEnvString("FFMPEG_BIN", "ffmpeg"),
			FFprobeBin:    getEnvString("FFPROBE_BIN", "ffprobe"),
			BurnSubtitles: getEnvBool("BURN_SUBTITLES", false),
		},
		Retention: RetentionConfig{
			Cron:   getEnvString("RETENTION_CRON", "0 * * * *"),
			MaxAge: getEnvDuration("RETENTION_MAX_AGE", 24*time.Hour),
		},
	}

	if path := getEnvString("CONFIG_FILE", ""); path != "" {
		if err := config.overlay(path); err != nil {
			return nil, err
		}
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	log.Debug("Config: %+v", *config)
	return config, nil
}

func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	switch {
	case strings.TrimSpace(c.Storage.DataDir) == "":
		return fmt.Errorf("DATA_DIR is required")
	case c.Worker.Count <= 0:
		return fmt.Errorf("WORKER_COUNT must be positive")
	case c.Worker.Lease <= 0:
		return fmt.Errorf("WORKER_LEASE must be positive")
	case c.Worker.Heartbeat <= 0 || c.Worker.Heartbeat >= c.Worker.Lease:
		return fmt.Errorf("WORKER_HEARTBEAT must be positive and shorter than WORKER_LEASE")
	case c.Worker.MaxRetries < 0:
		return fmt.Errorf("MAX_RETRIES must not be negative")
	case c.Pipeline.SceneConcurrency <= 0 || c.Pipeline.SceneAttempts <= 0 || c.Pipeline.AssemblyAttempts <= 0:
		return fmt.Errorf("pipeline concurrency and attempts must be positive")
	case c.Subtitle.MinCueDuration <= 0:
		return fmt.Errorf("SUBTITLE_MIN_CUE_DURATION must be positive")
	case c.Subtitle.MinGap < 0 || c.Subtitle.SceneGap < 0:
		return fmt.Errorf("subtitle gaps must not be negative")
	case c.Subtitle.MaxCharsPerCue < 10:
		return fmt.Errorf("SUBTITLE_MAX_CHARS must be at least 10")
	case c.Retention.MaxAge <= 0:
		return fmt.Errorf("RETENTION_MAX_AGE must be positive")
	}

	if _, err := language.Parse(c.Pipeline.FallbackLanguage); err != nil {
		return fmt.Errorf("invalid FALLBACK_LANGUAGE %q: %w", c.Pipeline.FallbackLanguage, err)
	}
	for name, expr := range map[string]string{"REAPER_CRON": c.Worker.ReaperCron, "RETENTION_CRON": c.Retention.Cron} {
		if _, err := cron.ParseStandard(expr); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets a float value from environment variables with default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
