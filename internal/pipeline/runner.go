// Package pipeline runs the five generation stages for one job.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MimeLyc/ai-video-pipeline/internal/artifact"
	"github.com/MimeLyc/ai-video-pipeline/internal/generate"
	"github.com/MimeLyc/ai-video-pipeline/internal/jobs"
	"github.com/MimeLyc/ai-video-pipeline/internal/media"
	"github.com/MimeLyc/ai-video-pipeline/internal/persistence"
	"github.com/MimeLyc/ai-video-pipeline/internal/presets"
	"github.com/MimeLyc/ai-video-pipeline/internal/subtitle"
	"github.com/MimeLyc/ai-video-pipeline/pkg/log"
)

// Deps are the collaborators a Runner drives. Checkpoints may be nil.
type Deps struct {
	Artifacts    *artifact.Store
	Script       generate.ScriptGenerator
	Images       generate.ImageGenerator
	Synthesizers map[jobs.VoiceProvider]generate.Synthesizer
	Prober       media.DurationProber
	Muxer        media.Muxer
	Sync         *subtitle.Synchronizer
	Presets      *presets.Catalog
	Checkpoints  Checkpointer
}

type Runner struct {
	deps   Deps
	cfg    Config
	stages []stage
}

type stage struct {
	name     string
	progress int
	step     string
	run      func(context.Context, *runState) (string, error)
}

// runState carries stage outputs forward within one Run.
type runState struct {
	job       *jobs.Job
	input     jobs.Input
	language  string
	scenes    []jobs.Scene
	images    []string
	audio     []string
	durations []time.Duration
	subtitles string
	video     string
	warnings  []string
}

func NewRunner(deps Deps, cfg Config) (*Runner, error) {
	switch {
	case deps.Artifacts == nil:
		return nil, fmt.Errorf("artifact store is required")
	case deps.Script == nil, deps.Images == nil, deps.Muxer == nil, deps.Prober == nil:
		return nil, fmt.Errorf("script, image, prober and muxer collaborators are required")
	case len(deps.Synthesizers) == 0:
		return nil, fmt.Errorf("at least one speech synthesizer is required")
	}
	if deps.Sync == nil {
		deps.Sync = subtitle.NewSynchronizer(subtitle.DefaultConfig())
	}
	if deps.Presets == nil {
		deps.Presets = presets.Default()
	}

	def := DefaultConfig()
	if cfg.SceneConcurrency <= 0 {
		cfg.SceneConcurrency = def.SceneConcurrency
	}
	if cfg.SceneAttempts <= 0 {
		cfg.SceneAttempts = def.SceneAttempts
	}
	if cfg.AssemblyAttempts <= 0 {
		cfg.AssemblyAttempts = def.AssemblyAttempts
	}
	if cfg.FPS <= 0 {
		cfg.FPS = def.FPS
	}
	if cfg.FallbackLanguage == "" {
		cfg.FallbackLanguage = def.FallbackLanguage
	}

	r := &Runner{deps: deps, cfg: cfg}
	r.stages = []stage{
		{name: "script", progress: 20, step: "script ready", run: r.scriptStage},
		{name: "images", progress: 40, step: "images generated", run: r.imageStage},
		{name: "narration", progress: 60, step: "narration synthesized", run: r.narrationStage},
		{name: "subtitles", progress: 80, step: "subtitles synchronized", run: r.subtitleStage},
		{name: "video", progress: 100, step: "video assembled", run: r.videoStage},
	}
	return r, nil
}

// Run executes every stage in order. Stages whose artifacts already exist
// are skipped, so a retried job resumes where the last attempt stopped.
func (r *Runner) Run(ctx context.Context, job *jobs.Job, rep Reporter) (*Result, error) {
	state := &runState{job: job, input: job.Input}
	state.input.Normalize()

	for _, st := range r.stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if rep.Cancelled(ctx) {
			log.Info("Job %s cancelled before stage %s", job.ID, st.name)
			return nil, jobs.WrapError(jobs.ErrCancelled, jobs.KindCancelled, "job cancelled").WithStage(st.name)
		}

		start := time.Now()
		detail, err := st.run(ctx, state)
		if err != nil {
			return nil, stageError(err, st.name)
		}
		elapsed := time.Since(start)
		log.Info("Job %s stage %s done in %s (%s)", job.ID, st.name, elapsed.Round(time.Millisecond), detail)

		if err := rep.Progress(ctx, st.progress, st.step); err != nil {
			return nil, err
		}
		r.checkpoint(ctx, persistence.StageCheckpoint{
			JobID:    job.ID,
			Stage:    st.name,
			Progress: st.progress,
			Detail:   detail,
			Duration: elapsed,
		})
	}

	for _, w := range state.warnings {
		rep.Warn(ctx, w)
	}

	artifacts, err := r.deps.Artifacts.List(job.ID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	var total time.Duration
	for _, d := range state.durations {
		total += d
	}
	return &Result{
		VideoPath: state.video,
		Artifacts: artifacts,
		Warnings:  state.warnings,
		Scenes:    len(state.scenes),
		Duration:  total,
	}, nil
}

func (r *Runner) checkpoint(ctx context.Context, cp persistence.StageCheckpoint) {
	if r.deps.Checkpoints == nil {
		return
	}
	if err := r.deps.Checkpoints.SaveStageCheckpoint(ctx, cp); err != nil {
		log.Warn("Failed to record %s checkpoint for job %s: %v", cp.Stage, cp.JobID, err)
	}
}

// stageError tags classified errors with the failing stage.
func stageError(err error, name string) error {
	var e *jobs.Error
	if errors.As(err, &e) && e.Stage == "" {
		cp := *e
		cp.Stage = name
		return &cp
	}
	return err
}
