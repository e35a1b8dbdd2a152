// Package generate holds the external collaborators of the pipeline: script
// writers, image generators and speech synthesizers.
package generate

import (
	"context"
	"time"

	"github.com/MimeLyc/ai-video-pipeline/internal/jobs"
)

type ScriptRequest struct {
	Theme      string
	Script     string
	SceneCount int
	Language   string
}

type ScriptGenerator interface {
	GenerateScript(ctx context.Context, req ScriptRequest) ([]jobs.Scene, error)
}

type ImageRequest struct {
	Prompt     string
	SceneIndex int
	Width      int
	Height     int
}

// ImageGenerator returns the encoded image and its file extension.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) ([]byte, string, error)
}

type SpeechRequest struct {
	Text      string
	Language  string
	VoiceID   string
	VoiceType jobs.VoiceType
}

// Speech is one synthesized clip. Duration is zero when the provider does
// not report it; callers probe the file instead.
type Speech struct {
	Audio    []byte
	Ext      string
	Duration time.Duration
	Provider string
}

type Synthesizer interface {
	Synthesize(ctx context.Context, req SpeechRequest) (*Speech, error)
}
