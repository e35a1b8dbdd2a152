package worker

import (
	"context"
	"errors"
	"os"
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
	"github.com/MimeLyc/ai-video-pipeline/internal/pipeline"
)

// countingGenerators stands in for every external collaborator of the
// pipeline and counts what each one was asked to produce.
type countingGenerators struct {
	mu        sync.Mutex
	scripts   int
	images    map[int]int
	speech    map[string]int
	probes    int
	muxes     int
	failProbe func(call int) error
}

func newCountingGenerators() *countingGenerators {
	return &countingGenerators{images: map[int]int{}, speech: map[string]int{}}
}

func (g *countingGenerators) GenerateScript(context.Context, generate.ScriptRequest) ([]jobs.Scene, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripts++
	return []jobs.Scene{
		{NarrationText: "Lanterns drift over the trench.", ImagePrompt: "bioluminescent trench"},
		{NarrationText: "A whale passes overhead.", ImagePrompt: "whale silhouette"},
	}, nil
}

func (g *countingGenerators) GenerateImage(_ context.Context, req generate.ImageRequest) ([]byte, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.images[req.SceneIndex]++
	return []byte("png"), ".png", nil
}

func (g *countingGenerators) Synthesize(_ context.Context, req generate.SpeechRequest) (*generate.Speech, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.speech[req.Text]++
	return &generate.Speech{Audio: []byte("mp3:" + req.Text), Ext: ".mp3", Provider: "fake"}, nil
}

func (g *countingGenerators) Duration(context.Context, string) (time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.probes++
	if g.failProbe != nil {
		if err := g.failProbe(g.probes); err != nil {
			return 0, err
		}
	}
	return 2 * time.Second, nil
}

func (g *countingGenerators) Mux(_ context.Context, req media.MuxRequest) error {
	g.mu.Lock()
	g.muxes++
	g.mu.Unlock()
	return os.WriteFile(req.Output, []byte("video"), 0o644)
}

func newPipelineRunner(t *testing.T, gen *countingGenerators, h *harness) (*pipeline.Runner, *artifact.Store) {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir())
	require.NoError(t, err)
	runner, err := pipeline.NewRunner(pipeline.Deps{
		Artifacts: store,
		Script:    gen,
		Images:    gen,
		Synthesizers: map[jobs.VoiceProvider]generate.Synthesizer{
			jobs.VoiceProviderAuto: gen,
		},
		Prober:      gen,
		Muxer:       gen,
		Checkpoints: h.store,
	}, pipeline.Config{
		SceneConcurrency: 1,
		SceneAttempts:    2,
		AssemblyAttempts: 1,
		BackoffInitial:   time.Millisecond,
		BackoffMax:       2 * time.Millisecond,
		FallbackLanguage: "en",
	})
	require.NoError(t, err)
	return runner, store
}

// swappableRunner lets the harness be built before the pipeline runner,
// which needs the harness's store for checkpoints.
type swappableRunner struct {
	runner atomic.Pointer[pipeline.Runner]
}

func (s *swappableRunner) Run(ctx context.Context, job *jobs.Job, rep pipeline.Reporter) (*pipeline.Result, error) {
	return s.runner.Load().Run(ctx, job, rep)
}

func TestPool_RedeliveredPipelineResumesAfterFinishedStages(t *testing.T) {
	t.Parallel()
	gen := newCountingGenerators()
	gen.failProbe = func(call int) error {
		if call == 1 {
			return jobs.TransientError(errors.New("ffprobe killed"), "probe narration length")
		}
		return nil
	}

	wrapped := &swappableRunner{}
	h := newHarness(t, wrapped)
	runner, store := newPipelineRunner(t, gen, h)
	wrapped.runner.Store(runner)

	h.enqueue(t, "job-1")
	h.start(t)

	job := h.waitAcked(t, "job-1")
	require.Equal(t, jobs.StatusCompleted, job.Status, "error: %+v", job.Error)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, 1, job.Attempts)
	assert.Nil(t, job.Error)
	assert.Equal(t, uint64(1), h.pool.Stats().Requeued)

	videoPath, err := store.VideoPath("job-1")
	require.NoError(t, err)
	assert.Equal(t, videoPath, job.VideoPath)
	assert.FileExists(t, job.VideoPath)

	gen.mu.Lock()
	defer gen.mu.Unlock()
	assert.Equal(t, 1, gen.scripts, "script is reused on the second attempt")
	assert.Equal(t, map[int]int{0: 1, 1: 1}, gen.images, "images are reused on the second attempt")
	for text, n := range gen.speech {
		assert.Equal(t, 1, n, "narration %q synthesized more than once", text)
	}
	assert.Len(t, gen.speech, 2)
	assert.Equal(t, 1, gen.muxes)
}
