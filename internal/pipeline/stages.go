package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"

	"github.com/MimeLyc/ai-video-pipeline/internal/generate"
	"github.com/MimeLyc/ai-video-pipeline/internal/jobs"
	"github.com/MimeLyc/ai-video-pipeline/internal/media"
	"github.com/MimeLyc/ai-video-pipeline/internal/subtitle"
	"github.com/MimeLyc/ai-video-pipeline/pkg/log"
)

func (r *Runner) scriptStage(ctx context.Context, st *runState) (string, error) {
	path, err := r.deps.Artifacts.ScriptPath(st.job.ID)
	if err != nil {
		return "", err
	}

	if r.deps.Artifacts.Exists(path) {
		var saved scriptFile
		if err := r.deps.Artifacts.ReadJSON(path, &saved); err == nil && validScenes(saved.Scenes) == nil {
			st.scenes = saved.Scenes
			st.language = saved.Language
			return fmt.Sprintf("%d scenes, reused", len(st.scenes)), nil
		}
		log.Warn("Discarding unreadable script of job %s", st.job.ID)
	}

	req := generate.ScriptRequest{
		Theme:      st.input.Theme,
		Script:     st.input.Script,
		SceneCount: st.input.SceneCount,
		Language:   st.input.Language,
	}
	var scenes []jobs.Scene
	err = r.retry(ctx, "script generation", r.cfg.SceneAttempts, func() error {
		out, err := r.deps.Script.GenerateScript(ctx, req)
		if err != nil {
			return err
		}
		if err := validScenes(out); err != nil {
			return err
		}
		scenes = out
		return nil
	})
	if err != nil {
		return "", err
	}

	for i := range scenes {
		scenes[i].Index = i
		if i < len(st.input.ImagePrompts) && strings.TrimSpace(st.input.ImagePrompts[i]) != "" {
			scenes[i].ImagePrompt = strings.TrimSpace(st.input.ImagePrompts[i])
		}
	}

	lang := st.input.Language
	if lang == jobs.LanguageAuto {
		tag := subtitle.DetectLanguage(lo.Map(scenes, func(s jobs.Scene, _ int) string { return s.NarrationText }))
		if tag == language.Und {
			lang = r.cfg.FallbackLanguage
			st.warnings = append(st.warnings, "narration language could not be detected; using "+lang)
		} else {
			lang = tag.String()
		}
		log.Info("Job %s narration language detected as %s", st.job.ID, lang)
	}

	if err := r.deps.Artifacts.WriteJSON(path, scriptFile{Language: lang, Scenes: scenes}); err != nil {
		return "", fmt.Errorf("write script: %w", err)
	}
	st.scenes = scenes
	st.language = lang
	return fmt.Sprintf("%d scenes", len(scenes)), nil
}

// validScenes rejects script output no later stage could use.
func validScenes(scenes []jobs.Scene) error {
	if len(scenes) == 0 {
		return jobs.ScriptGenerationError(nil, "script has no scenes")
	}
	for i, s := range scenes {
		if strings.TrimSpace(s.NarrationText) == "" {
			return jobs.ScriptGenerationError(nil, "scene has empty narration").WithContext("scene", i+1)
		}
	}
	return nil
}

func (r *Runner) imageStage(ctx context.Context, st *runState) (string, error) {
	format, ok := r.deps.Presets.Format(string(st.input.VideoFormat))
	if !ok {
		return "", jobs.NewError(jobs.KindValidation, "unknown video format").WithContext("video_format", st.input.VideoFormat)
	}

	st.images = make([]string, len(st.scenes))
	var generated atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.SceneConcurrency)

	for i, scene := range st.scenes {
		g.Go(func() error {
			if path, ok, err := r.deps.Artifacts.FindImage(st.job.ID, scene.Index); err != nil {
				return err
			} else if ok {
				st.images[i] = path
				return nil
			}

			req := generate.ImageRequest{
				Prompt:     r.deps.Presets.BuildPrompt(scene.ImagePrompt, string(st.input.ImagePreset)),
				SceneIndex: scene.Index,
				Width:      format.Width,
				Height:     format.Height,
			}
			var data []byte
			var ext string
			err := r.retry(gctx, fmt.Sprintf("image for scene %d", scene.Index), r.cfg.SceneAttempts, func() error {
				var err error
				data, ext, err = r.deps.Images.GenerateImage(gctx, req)
				return err
			})
			if err != nil {
				return withScene(err, scene.Index)
			}

			path, err := r.deps.Artifacts.ImagePath(st.job.ID, scene.Index, ext)
			if err != nil {
				return err
			}
			if err := r.deps.Artifacts.WriteFile(path, data); err != nil {
				return fmt.Errorf("write image for scene %d: %w", scene.Index, err)
			}
			st.images[i] = path
			generated.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	n := int(generated.Load())
	return fmt.Sprintf("%d generated, %d reused", n, len(st.scenes)-n), nil
}

func (r *Runner) narrationStage(ctx context.Context, st *runState) (string, error) {
	synth, err := r.synthesizer(st.input.VoiceProvider)
	if err != nil {
		return "", err
	}
	manifestPath, err := r.deps.Artifacts.NarrationPath(st.job.ID)
	if err != nil {
		return "", err
	}
	var manifest narrationFile
	if r.deps.Artifacts.Exists(manifestPath) {
		if err := r.deps.Artifacts.ReadJSON(manifestPath, &manifest); err != nil {
			log.Warn("Ignoring unreadable narration manifest of job %s: %v", st.job.ID, err)
		}
	}
	known := lo.SliceToMap(manifest.Scenes, func(e narrationEntry) (string, narrationEntry) { return e.Path, e })

	entries := make([]narrationEntry, len(st.scenes))
	st.audio = make([]string, len(st.scenes))
	st.durations = make([]time.Duration, len(st.scenes))
	var generated atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.SceneConcurrency)

	for i, scene := range st.scenes {
		g.Go(func() error {
			path, ok, err := r.deps.Artifacts.FindAudio(st.job.ID, scene.Index)
			if err != nil {
				return err
			}
			var provider string
			var d time.Duration

			if !ok {
				speech, err := r.synthesize(gctx, synth, st, scene)
				if err != nil {
					return withScene(err, scene.Index)
				}
				path, err = r.deps.Artifacts.AudioPath(st.job.ID, scene.Index, speech.Ext)
				if err != nil {
					return err
				}
				if err := r.deps.Artifacts.WriteFile(path, speech.Audio); err != nil {
					return fmt.Errorf("write audio for scene %d: %w", scene.Index, err)
				}
				provider, d = speech.Provider, speech.Duration
				generated.Add(1)
			} else if e, cached := known[path]; cached && e.DurationMs > 0 {
				provider, d = e.Provider, time.Duration(e.DurationMs)*time.Millisecond
			}

			if d <= 0 {
				d, err = r.deps.Prober.Duration(gctx, path)
				if err != nil {
					return withScene(err, scene.Index)
				}
			}
			st.audio[i] = path
			st.durations[i] = d
			entries[i] = narrationEntry{Index: scene.Index, Path: path, DurationMs: d.Milliseconds(), Provider: provider}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	if err := r.deps.Artifacts.WriteJSON(manifestPath, narrationFile{Scenes: entries}); err != nil {
		return "", fmt.Errorf("write narration manifest: %w", err)
	}
	n := int(generated.Load())
	return fmt.Sprintf("%d synthesized, %d reused", n, len(st.scenes)-n), nil
}

func (r *Runner) synthesizer(provider jobs.VoiceProvider) (generate.Synthesizer, error) {
	if s, ok := r.deps.Synthesizers[provider]; ok && s != nil {
		return s, nil
	}
	return nil, jobs.NewError(jobs.KindValidation, "voice provider is not configured").WithContext("voice_provider", provider)
}

func (r *Runner) synthesize(ctx context.Context, synth generate.Synthesizer, st *runState, scene jobs.Scene) (*generate.Speech, error) {
	voiceID, ok := r.deps.Presets.VoiceID(scene.Voice, string(st.input.VoiceType))
	if !ok && scene.Voice != "" {
		log.Warn("Voice %q of scene %d is unknown; using the %s voice", scene.Voice, scene.Index, st.input.VoiceType)
	}
	req := generate.SpeechRequest{
		Text:      scene.NarrationText,
		Language:  st.language,
		VoiceID:   voiceID,
		VoiceType: st.input.VoiceType,
	}

	var speech *generate.Speech
	err := r.retry(ctx, fmt.Sprintf("narration for scene %d", scene.Index), r.cfg.SceneAttempts, func() error {
		out, err := synth.Synthesize(ctx, req)
		if err != nil {
			return err
		}
		if len(out.Audio) == 0 {
			return jobs.NewError(jobs.KindTransient, "speech provider returned no audio")
		}
		speech = out
		return nil
	})
	return speech, err
}

func (r *Runner) subtitleStage(ctx context.Context, st *runState) (string, error) {
	jsonPath, err := r.deps.Artifacts.SubtitlePath(st.job.ID, ".json")
	if err != nil {
		return "", err
	}
	srtPath, err := r.deps.Artifacts.SubtitlePath(st.job.ID, ".srt")
	if err != nil {
		return "", err
	}

	if r.deps.Artifacts.Exists(jsonPath) && r.deps.Artifacts.Exists(srtPath) {
		var track subtitle.Track
		if err := r.deps.Artifacts.ReadJSON(jsonPath, &track); err == nil && len(track.Cues) > 0 {
			st.subtitles = srtPath
			return fmt.Sprintf("%d cues, reused", len(track.Cues)), nil
		}
	}

	timings := make([]subtitle.SceneTiming, len(st.scenes))
	for i, scene := range st.scenes {
		timings[i] = subtitle.SceneTiming{Index: scene.Index, Text: scene.NarrationText, Duration: st.durations[i]}
	}
	track, err := r.deps.Sync.Sync(timings)
	if err != nil {
		return "", err
	}
	st.warnings = append(st.warnings, track.Warnings...)

	srt, err := subtitle.EncodeSRT(track.Cues)
	if err != nil {
		return "", fmt.Errorf("encode srt: %w", err)
	}
	if err := r.deps.Artifacts.WriteJSON(jsonPath, track); err != nil {
		return "", fmt.Errorf("write subtitle track: %w", err)
	}
	if err := r.deps.Artifacts.WriteFile(srtPath, srt); err != nil {
		return "", fmt.Errorf("write srt: %w", err)
	}
	st.subtitles = srtPath
	return fmt.Sprintf("%d cues, %d warnings", len(track.Cues), len(track.Warnings)), nil
}

func (r *Runner) videoStage(ctx context.Context, st *runState) (string, error) {
	out, err := r.deps.Artifacts.VideoPath(st.job.ID)
	if err != nil {
		return "", err
	}
	if r.deps.Artifacts.Exists(out) {
		st.video = out
		return "reused", nil
	}

	format, ok := r.deps.Presets.Format(string(st.input.VideoFormat))
	if !ok {
		return "", jobs.NewError(jobs.KindValidation, "unknown video format").WithContext("video_format", st.input.VideoFormat)
	}
	effects, ok := r.deps.Presets.EffectsPreset(string(st.input.EffectsPreset))
	if !ok {
		return "", jobs.NewError(jobs.KindValidation, "unknown effects preset").WithContext("effects_preset", st.input.EffectsPreset)
	}

	sceneGap := r.deps.Sync.Config().SceneGap
	scenes := make([]media.MuxScene, len(st.scenes))
	for i := range st.scenes {
		if st.images[i] == "" || st.audio[i] == "" {
			return "", jobs.NewError(jobs.KindValidation, "scene artifacts missing before assembly").WithContext("scene", st.scenes[i].Index)
		}
		d := st.durations[i]
		if i < len(st.scenes)-1 {
			d += sceneGap
		}
		scenes[i] = media.MuxScene{Image: st.images[i], Audio: st.audio[i], Duration: d}
	}

	req := media.MuxRequest{
		Scenes:        scenes,
		SubtitlePath:  st.subtitles,
		Output:        out,
		Width:         format.Width,
		Height:        format.Height,
		FPS:           r.cfg.FPS,
		Transition:    time.Duration(effects.TransitionDuration * float64(time.Second)),
		Zoom:          effects.ZoomIntensity,
		BurnSubtitles: r.cfg.BurnSubtitles,
	}
	err = r.retry(ctx, "video assembly", r.cfg.AssemblyAttempts, func() error {
		return r.deps.Muxer.Mux(ctx, req)
	})
	if err != nil {
		return "", err
	}
	if !r.deps.Artifacts.Exists(out) {
		return "", jobs.AssemblyError(nil, "video missing after assembly")
	}
	st.video = out
	return fmt.Sprintf("%d scenes, %s", len(scenes), format.AspectRatio), nil
}

func withScene(err error, index int) error {
	var e *jobs.Error
	if errors.As(err, &e) {
		e.WithContext("scene", index)
	}
	return err
}
