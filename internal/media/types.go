package media

import (
	"context"
	"time"

	"github.com/MimeLyc/ai-video-pipeline/internal/persistence"
)

// MuxScene is one still image shown for Duration while Audio plays.
// Duration may exceed the audio length; the audio is padded with silence.
type MuxScene struct {
	Image    string
	Audio    string
	Duration time.Duration
}

type MuxRequest struct {
	Scenes       []MuxScene
	SubtitlePath string
	Output       string

	Width  int
	Height int
	FPS    int

	// Transition is the fade length at each scene boundary, Zoom the
	// relative push-in over a scene. Zero disables either effect.
	Transition time.Duration
	Zoom       float64

	// BurnSubtitles renders cues into the frames instead of adding a
	// soft subtitle track.
	BurnSubtitles bool
}

type Muxer interface {
	Mux(ctx context.Context, req MuxRequest) error
}

type DurationProber interface {
	Duration(ctx context.Context, path string) (time.Duration, error)
}

// DurationCache remembers probe results keyed by path, size and mtime.
type DurationCache interface {
	GetProbeCache(ctx context.Context, path string, size int64, modTime time.Time) (time.Duration, bool, error)
	PutProbeCache(ctx context.Context, entry persistence.ProbeCacheEntry) error
}
