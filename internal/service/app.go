// Package service wires configuration into a running pipeline.
package service

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/MimeLyc/ai-video-pipeline/internal/artifact"
	"github.com/MimeLyc/ai-video-pipeline/internal/config"
	"github.com/MimeLyc/ai-video-pipeline/internal/generate"
	"github.com/MimeLyc/ai-video-pipeline/internal/jobs"
	"github.com/MimeLyc/ai-video-pipeline/internal/llm"
	"github.com/MimeLyc/ai-video-pipeline/internal/media"
	"github.com/MimeLyc/ai-video-pipeline/internal/persistence"
	"github.com/MimeLyc/ai-video-pipeline/internal/pipeline"
	"github.com/MimeLyc/ai-video-pipeline/internal/presets"
	"github.com/MimeLyc/ai-video-pipeline/internal/subtitle"
	"github.com/MimeLyc/ai-video-pipeline/internal/worker"
	"github.com/MimeLyc/ai-video-pipeline/pkg/log"
)

// App holds the long-lived components shared by the API, the worker pool
// and the CLI.
type App struct {
	Config    *config.Config
	Store     *persistence.SQLiteStore
	Queue     *jobs.Queue
	Artifacts *artifact.Store
	Presets   *presets.Catalog
}

// Open opens the store and artifact root. It does not build the pipeline;
// commands that only inspect jobs stop here.
func Open(cfg *config.Config) (*App, error) {
	store, err := persistence.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	artifacts, err := artifact.NewStore(cfg.ArtifactsDir())
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	catalog := presets.Default()
	if cfg.Storage.PresetsFile != "" {
		catalog, err = presets.Load(cfg.Storage.PresetsFile)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	queue := jobs.NewQueue(store,
		jobs.WithMaxRetries(cfg.Worker.MaxRetries),
		jobs.WithPollInterval(cfg.Worker.PollInterval),
		jobs.WithReplaceHook(replaceHook(artifacts, store)),
	)
	return &App{
		Config:    cfg,
		Store:     store,
		Queue:     queue,
		Artifacts: artifacts,
		Presets:   catalog,
	}, nil
}

func (a *App) Close() error {
	return a.Store.Close()
}

// Registry is the job registry sharing the queue's store.
func (a *App) Registry() *jobs.Registry {
	return a.Queue.Registry()
}

// NewRunner builds the stage runner with the configured collaborators.
func (a *App) NewRunner() (*pipeline.Runner, error) {
	cfg := a.Config

	var scriptLLM generate.ScriptGenerator
	if cfg.LLM.APIKey != "" {
		client, err := llm.NewClient(&llm.Config{
			APIKey:      cfg.LLM.APIKey,
			APIURL:      cfg.LLM.APIURL,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.LLM.Timeout,
			SiteURL:     cfg.LLM.SiteURL,
			AppName:     cfg.LLM.AppName,
		})
		if err != nil {
			return nil, fmt.Errorf("create LLM client: %w", err)
		}
		scriptLLM = generate.NewLLMScriptGenerator(client)
	} else {
		log.Warn("LLM_API_KEY is not set; only jobs with a ready script can run")
	}

	guard, err := media.NewGuard(a.Artifacts.Root())
	if err != nil {
		return nil, err
	}
	if err := media.Available(cfg.Media.FFmpegBin); err != nil {
		log.Warn("Video assembly will fail: %v", err)
	}

	return pipeline.NewRunner(pipeline.Deps{
		Artifacts:    a.Artifacts,
		Script:       generate.ScriptRouter{LLM: scriptLLM},
		Images:       generate.NewHTTPImageGenerator(cfg.Image.APIURL, cfg.Image.Timeout, generate.WithImageModel(cfg.Image.Model)),
		Synthesizers: a.synthesizers(),
		Prober:       media.NewProber(cfg.Media.FFprobeBin, a.Store),
		Muxer:        media.NewFFmpeg(cfg.Media.FFmpegBin, guard),
		Sync: subtitle.NewSynchronizer(subtitle.Config{
			MinCueDuration: cfg.Subtitle.MinCueDuration,
			MinGap:         cfg.Subtitle.MinGap,
			SceneGap:       cfg.Subtitle.SceneGap,
			MaxCharsPerCue: cfg.Subtitle.MaxCharsPerCue,
		}),
		Presets:     a.Presets,
		Checkpoints: a.Store,
	}, pipeline.Config{
		SceneConcurrency: cfg.Pipeline.SceneConcurrency,
		SceneAttempts:    cfg.Pipeline.SceneAttempts,
		AssemblyAttempts: cfg.Pipeline.AssemblyAttempts,
		BackoffInitial:   cfg.Pipeline.BackoffInitial,
		BackoffMax:       cfg.Pipeline.BackoffMax,
		BurnSubtitles:    cfg.Media.BurnSubtitles,
		FPS:              cfg.Pipeline.FPS,
		FallbackLanguage: cfg.Pipeline.FallbackLanguage,
	})
}

func (a *App) synthesizers() map[jobs.VoiceProvider]generate.Synthesizer {
	cfg := a.Config
	command := generate.NewCommandSynthesizer(cfg.TTS.Command, os.TempDir())
	ret := map[jobs.VoiceProvider]generate.Synthesizer{
		jobs.VoiceProviderGTTS: command,
	}
	auto := generate.AutoSynthesizer{Fallback: command}
	if cfg.TTS.ElevenLabsAPIKey != "" {
		eleven := generate.NewElevenLabsSynthesizer(cfg.TTS.ElevenLabsAPIKey, cfg.TTS.ElevenLabsURL, cfg.TTS.ElevenLabsModel, cfg.TTS.Timeout)
		ret[jobs.VoiceProviderElevenLabs] = eleven
		auto.Primary = eleven
	}
	ret[jobs.VoiceProviderAuto] = auto
	return ret
}

// NewPool builds a worker pool over a fresh runner.
func (a *App) NewPool() (*worker.Pool, error) {
	runner, err := a.NewRunner()
	if err != nil {
		return nil, err
	}
	return worker.NewPool(a.Queue, runner, worker.Config{
		Workers:   a.Config.Worker.Count,
		Lease:     a.Config.Worker.Lease,
		Heartbeat: a.Config.Worker.Heartbeat,
	}), nil
}

// FFmpegCheck reports whether the configured ffmpeg binary can be found.
func (a *App) FFmpegCheck(context.Context) error {
	return media.Available(a.Config.Media.FFmpegBin)
}

// StoreCheck pings the database.
func (a *App) StoreCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return a.Store.Ping(ctx)
}
