package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/ai-video-pipeline/internal/artifact"
	"github.com/MimeLyc/ai-video-pipeline/internal/generate"
	"github.com/MimeLyc/ai-video-pipeline/internal/jobs"
	"github.com/MimeLyc/ai-video-pipeline/internal/media"
	"github.com/MimeLyc/ai-video-pipeline/internal/persistence"
	"github.com/MimeLyc/ai-video-pipeline/internal/presets"
	"github.com/MimeLyc/ai-video-pipeline/internal/subtitle"
)

type fakeScript struct {
	scenes []jobs.Scene
	err    error
	calls  atomic.Int32
}

func (f *fakeScript) GenerateScript(context.Context, generate.ScriptRequest) ([]jobs.Scene, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return append([]jobs.Scene(nil), f.scenes...), nil
}

type fakeImages struct {
	mu      sync.Mutex
	prompts map[int]string
	calls   map[int]int
	fail    func(scene, attempt int) error
}

func (f *fakeImages) GenerateImage(_ context.Context, req generate.ImageRequest) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.SceneIndex]++
	f.prompts[req.SceneIndex] = req.Prompt
	if f.fail != nil {
		if err := f.fail(req.SceneIndex, f.calls[req.SceneIndex]); err != nil {
			return nil, "", err
		}
	}
	return []byte("png bytes"), ".png", nil
}

func (f *fakeImages) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type fakeSpeech struct {
	mu   sync.Mutex
	reqs []generate.SpeechRequest
}

func (f *fakeSpeech) Synthesize(_ context.Context, req generate.SpeechRequest) (*generate.Speech, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return &generate.Speech{Audio: []byte("mp3:" + req.Text), Ext: ".mp3", Provider: "fake"}, nil
}

func (f *fakeSpeech) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type fakeProber struct {
	calls atomic.Int32
}

func (f *fakeProber) Duration(context.Context, string) (time.Duration, error) {
	f.calls.Add(1)
	return 3 * time.Second, nil
}

type fakeMuxer struct {
	calls atomic.Int32
	last  media.MuxRequest
	err   error
}

func (f *fakeMuxer) Mux(_ context.Context, req media.MuxRequest) error {
	f.calls.Add(1)
	f.last = req
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(req.Output, []byte("video"), 0o644)
}

type fakeCheckpoints struct {
	mu     sync.Mutex
	stages []string
}

func (f *fakeCheckpoints) SaveStageCheckpoint(_ context.Context, cp persistence.StageCheckpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages = append(f.stages, cp.Stage)
	return nil
}

type recorder struct {
	mu          sync.Mutex
	progress    []int
	warnings    []string
	cancelAfter int
	failAt      int
}

func (r *recorder) Progress(_ context.Context, pct int, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAt != 0 && pct == r.failAt {
		return jobs.ErrLeaseExpired
	}
	r.progress = append(r.progress, pct)
	return nil
}

func (r *recorder) Cancelled(context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelAfter > 0 && len(r.progress) >= r.cancelAfter
}

func (r *recorder) Warn(_ context.Context, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, msg)
}

type harness struct {
	runner      *Runner
	store       *artifact.Store
	script      *fakeScript
	images      *fakeImages
	speech      *fakeSpeech
	prober      *fakeProber
	muxer       *fakeMuxer
	checkpoints *fakeCheckpoints
}

func twoScenes() []jobs.Scene {
	return []jobs.Scene{
		{NarrationText: "Sunrise over the bay.", ImagePrompt: "bay at sunrise"},
		{NarrationText: "Boats leave the harbour.", ImagePrompt: "boats"},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		store:       store,
		script:      &fakeScript{scenes: twoScenes()},
		images:      &fakeImages{prompts: map[int]string{}, calls: map[int]int{}},
		speech:      &fakeSpeech{},
		prober:      &fakeProber{},
		muxer:       &fakeMuxer{},
		checkpoints: &fakeCheckpoints{},
	}
	h.runner, err = NewRunner(Deps{
		Artifacts: store,
		Script:    h.script,
		Images:    h.images,
		Synthesizers: map[jobs.VoiceProvider]generate.Synthesizer{
			jobs.VoiceProviderAuto: h.speech,
		},
		Prober:      h.prober,
		Muxer:       h.muxer,
		Sync:        subtitle.NewSynchronizer(subtitle.DefaultConfig()),
		Presets:     presets.Default(),
		Checkpoints: h.checkpoints,
	}, Config{
		SceneConcurrency: 2,
		SceneAttempts:    3,
		AssemblyAttempts: 2,
		BackoffInitial:   time.Millisecond,
		BackoffMax:       2 * time.Millisecond,
	})
	require.NoError(t, err)
	return h
}

func themeJob(id string) *jobs.Job {
	return &jobs.Job{ID: id, Input: jobs.Input{Theme: "harbour", Language: "en"}}
}

func TestRunner_RunsAllStages(t *testing.T) {
	h := newHarness(t)
	job := themeJob("job-1")
	job.Input.ImagePrompts = []string{"", "fishing boats at dawn"}
	job.Input.ImagePreset = jobs.ImagePresetAnime

	rec := &recorder{}
	res, err := h.runner.Run(context.Background(), job, rec)
	require.NoError(t, err)

	assert.Equal(t, []int{20, 40, 60, 80, 100}, rec.progress)
	assert.Equal(t, []string{"script", "images", "narration", "subtitles", "video"}, h.checkpoints.stages)
	assert.Equal(t, 2, res.Scenes)
	assert.Equal(t, 6*time.Second, res.Duration)
	assert.Equal(t, filepath.Join(h.store.Root(), "job-1", "video.mp4"), res.VideoPath)
	assert.FileExists(t, res.VideoPath)
	require.Len(t, res.Artifacts, 8)
	assert.Equal(t, jobs.ArtifactScript, res.Artifacts[0].Kind)
	assert.Equal(t, jobs.ArtifactVideo, res.Artifacts[7].Kind)

	assert.Contains(t, h.images.prompts[0], "bay at sunrise")
	assert.Contains(t, h.images.prompts[1], "fishing boats at dawn")
	assert.Contains(t, h.images.prompts[1], "Anime style")

	require.Equal(t, 2, h.speech.count())
	for _, req := range h.speech.reqs {
		assert.Equal(t, "en", req.Language)
		assert.Equal(t, "ErXwobaYiN019PkySvjV", req.VoiceID)
	}

	mux := h.muxer.last
	assert.Equal(t, 1280, mux.Width)
	assert.Equal(t, 720, mux.Height)
	assert.Equal(t, 500*time.Millisecond, mux.Transition)
	assert.InDelta(t, 0.1, mux.Zoom, 1e-9)
	require.Len(t, mux.Scenes, 2)
	assert.Equal(t, 3*time.Second, mux.Scenes[0].Duration)
	assert.True(t, strings.HasSuffix(mux.SubtitlePath, "subtitles.srt"))

	srt, err := os.ReadFile(mux.SubtitlePath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(srt), "1\n00:00:00,000 --> "))
}

func TestRunner_RerunSkipsFinishedStages(t *testing.T) {
	h := newHarness(t)
	job := themeJob("job-1")

	_, err := h.runner.Run(context.Background(), job, &recorder{})
	require.NoError(t, err)

	rec := &recorder{}
	_, err = h.runner.Run(context.Background(), job, rec)
	require.NoError(t, err)

	assert.Equal(t, int32(1), h.script.calls.Load())
	assert.Equal(t, 2, h.images.total())
	assert.Equal(t, 2, h.speech.count())
	assert.Equal(t, int32(1), h.muxer.calls.Load())
	assert.Equal(t, int32(2), h.prober.calls.Load(), "durations come from the narration manifest")
	assert.Equal(t, []int{20, 40, 60, 80, 100}, rec.progress)
}

func TestRunner_ResumesPartialImages(t *testing.T) {
	h := newHarness(t)
	path, err := h.store.ImagePath("job-1", 0, ".jpg")
	require.NoError(t, err)
	require.NoError(t, h.store.WriteFile(path, []byte("existing")))

	_, err = h.runner.Run(context.Background(), themeJob("job-1"), &recorder{})
	require.NoError(t, err)

	assert.Equal(t, 0, h.images.calls[0])
	assert.Equal(t, 1, h.images.calls[1])
	assert.Equal(t, path, h.muxer.last.Scenes[0].Image)
}

func TestRunner_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	h.images.fail = func(scene, attempt int) error {
		if scene == 0 && attempt == 1 {
			return jobs.NewError(jobs.KindTransient, "HTTP 503")
		}
		return nil
	}

	_, err := h.runner.Run(context.Background(), themeJob("job-1"), &recorder{})
	require.NoError(t, err)
	assert.Equal(t, 2, h.images.calls[0])
}

func TestRunner_ExhaustedRetriesAreFatal(t *testing.T) {
	h := newHarness(t)
	h.images.fail = func(scene, _ int) error {
		if scene == 0 {
			return jobs.NewError(jobs.KindTransient, "HTTP 503")
		}
		return nil
	}

	rec := &recorder{}
	_, err := h.runner.Run(context.Background(), themeJob("job-1"), rec)
	require.Error(t, err)
	assert.Equal(t, jobs.KindTransient, jobs.KindOf(err))
	assert.True(t, jobs.Exhausted(err))
	assert.False(t, jobs.Retryable(err))
	assert.True(t, strings.HasPrefix(jobs.Record(err).Message, "images: "))
	assert.Equal(t, 3, h.images.calls[0])
	assert.Equal(t, []int{20}, rec.progress)
	assert.Zero(t, h.muxer.calls.Load())
}

func TestRunner_ValidationErrorsAreNotRetried(t *testing.T) {
	h := newHarness(t)
	h.images.fail = func(scene, _ int) error {
		if scene == 1 {
			return jobs.NewError(jobs.KindValidation, "prompt rejected")
		}
		return nil
	}

	_, err := h.runner.Run(context.Background(), themeJob("job-1"), &recorder{})
	require.Error(t, err)
	assert.Equal(t, jobs.KindValidation, jobs.KindOf(err))
	assert.Equal(t, 1, h.images.calls[1])
}

func TestRunner_StopsWhenCancelled(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{cancelAfter: 2}

	_, err := h.runner.Run(context.Background(), themeJob("job-1"), rec)
	require.Error(t, err)
	assert.Equal(t, jobs.KindCancelled, jobs.KindOf(err))
	assert.Equal(t, []int{20, 40}, rec.progress)
	assert.Zero(t, h.speech.count())
}

func TestRunner_AbortsWhenProgressIsRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.runner.Run(context.Background(), themeJob("job-1"), &recorder{failAt: 40})
	assert.True(t, errors.Is(err, jobs.ErrLeaseExpired))
	assert.Zero(t, h.speech.count())
}

func TestRunner_RejectsEmptyNarration(t *testing.T) {
	h := newHarness(t)
	h.script.scenes = []jobs.Scene{{NarrationText: "  ", ImagePrompt: "x"}}

	_, err := h.runner.Run(context.Background(), themeJob("job-1"), &recorder{})
	require.Error(t, err)
	assert.True(t, jobs.Exhausted(err))
	assert.Equal(t, int32(3), h.script.calls.Load())
}

func TestRunner_DetectsLanguage(t *testing.T) {
	h := newHarness(t)
	h.script.scenes = []jobs.Scene{
		{NarrationText: "The fishermen wake up long before sunrise and prepare their boats for a long day on the open sea.", ImagePrompt: "a"},
		{NarrationText: "When the evening comes, they return to the harbour with nets full of silver fish and very tired hands.", ImagePrompt: "b"},
	}
	job := themeJob("job-1")
	job.Input.Language = jobs.LanguageAuto

	_, err := h.runner.Run(context.Background(), job, &recorder{})
	require.NoError(t, err)
	for _, req := range h.speech.reqs {
		assert.Equal(t, "en", req.Language)
	}
}

func TestRunner_SceneVoiceOverridesVoiceType(t *testing.T) {
	h := newHarness(t)
	h.script.scenes = []jobs.Scene{{NarrationText: "Hello there.", ImagePrompt: "x", Character: "Ana", Voice: "Rachel"}}

	_, err := h.runner.Run(context.Background(), themeJob("job-1"), &recorder{})
	require.NoError(t, err)
	require.Len(t, h.speech.reqs, 1)
	assert.Equal(t, "21m00Tcm4TlvDq8ikWAM", h.speech.reqs[0].VoiceID)
}

func TestRunner_UnconfiguredVoiceProvider(t *testing.T) {
	h := newHarness(t)
	job := themeJob("job-1")
	job.Input.VoiceProvider = jobs.VoiceProviderElevenLabs

	_, err := h.runner.Run(context.Background(), job, &recorder{})
	require.Error(t, err)
	assert.Equal(t, jobs.KindValidation, jobs.KindOf(err))
}

func TestRunner_SecurityViolationIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.muxer.err = jobs.SecurityViolationError("path contains traversal")

	_, err := h.runner.Run(context.Background(), themeJob("job-1"), &recorder{})
	require.Error(t, err)
	assert.Equal(t, jobs.KindSecurity, jobs.KindOf(err))
	assert.Equal(t, int32(1), h.muxer.calls.Load())
}

func TestRunner_AssemblyRetriedThenExhausted(t *testing.T) {
	h := newHarness(t)
	h.muxer.err = jobs.AssemblyError(errors.New("exit status 1"), "ffmpeg exited with an error")

	_, err := h.runner.Run(context.Background(), themeJob("job-1"), &recorder{})
	require.Error(t, err)
	assert.Equal(t, jobs.KindResource, jobs.KindOf(err))
	assert.True(t, jobs.Exhausted(err))
	assert.Equal(t, int32(2), h.muxer.calls.Load())
}
