package pipeline

import (
	"context"
	"time"

	"github.com/MimeLyc/ai-video-pipeline/internal/jobs"
	"github.com/MimeLyc/ai-video-pipeline/internal/persistence"
)

// Reporter receives stage outcomes. Progress returns an error when the job
// may no longer be written, which aborts the run.
type Reporter interface {
	Progress(ctx context.Context, pct int, step string) error
	Cancelled(ctx context.Context) bool
	Warn(ctx context.Context, msg string)
}

// Checkpointer records finished stages for inspection. Optional.
type Checkpointer interface {
	SaveStageCheckpoint(ctx context.Context, cp persistence.StageCheckpoint) error
}

type Config struct {
	SceneConcurrency int
	SceneAttempts    int
	AssemblyAttempts int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	BurnSubtitles    bool
	FPS              int
	// FallbackLanguage narrates jobs whose language cannot be detected.
	FallbackLanguage string
}

func DefaultConfig() Config {
	return Config{
		SceneConcurrency: 3,
		SceneAttempts:    3,
		AssemblyAttempts: 2,
		BackoffInitial:   2 * time.Second,
		BackoffMax:       30 * time.Second,
		FPS:              25,
		FallbackLanguage: jobs.DefaultLanguage,
	}
}

type Result struct {
	VideoPath string
	Artifacts []jobs.Artifact
	Warnings  []string
	Scenes    int
	// Duration is the narrated length of the video.
	Duration time.Duration
}

// scriptFile is the persisted output of the script stage.
type scriptFile struct {
	Language string       `json:"language"`
	Scenes   []jobs.Scene `json:"scenes"`
}

// narrationFile records measured clip lengths so a resumed run does not
// probe them again.
type narrationFile struct {
	Scenes []narrationEntry `json:"scenes"`
}

type narrationEntry struct {
	Index      int    `json:"index"`
	Path       string `json:"path"`
	DurationMs int64  `json:"duration_ms"`
	Provider   string `json:"provider,omitempty"`
}
