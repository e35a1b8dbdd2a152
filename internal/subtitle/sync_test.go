package subtitle

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/ai-video-pipeline/internal/jobs"
)

func sec(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func assertTrackInvariants(t *testing.T, track *Track, scenes []SceneTiming, gap time.Duration) {
	t.Helper()
	var audio, cues time.Duration
	for _, sc := range scenes {
		audio += sc.Duration
	}
	for i, cue := range track.Cues {
		assert.Greater(t, cue.End, cue.Start, "cue %d must have positive duration", i)
		assert.Equal(t, time.Duration(0), cue.Start%time.Millisecond)
		cues += cue.Duration()
		if i+1 < len(track.Cues) {
			assert.LessOrEqual(t, cue.End+gap, track.Cues[i+1].Start, "gap after cue %d", i)
		}
	}
	assert.LessOrEqual(t, cues, audio)
}

func TestSync_SingleSceneSingleCue(t *testing.T) {
	s := NewSynchronizer(DefaultConfig())
	scenes := []SceneTiming{{Index: 0, Text: strings.Repeat("a", 35) + " end.", Duration: sec(4)}}

	track, err := s.Sync(scenes)
	require.NoError(t, err)
	require.Len(t, track.Cues, 1)
	assert.Equal(t, time.Duration(0), track.Cues[0].Start)
	assert.Equal(t, sec(4), track.Cues[0].End)
	assert.Equal(t, 1, track.Cues[0].Index)
	assert.Empty(t, track.Warnings)
}

func TestSync_SecondSceneStartsAfterFirst(t *testing.T) {
	tests := []struct {
		name      string
		sceneGap  time.Duration
		wantStart time.Duration
	}{
		{name: "no scene gap", wantStart: sec(5)},
		{name: "scene gap", sceneGap: 250 * time.Millisecond, wantStart: sec(5.25)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.SceneGap = tt.sceneGap
			scenes := []SceneTiming{
				{Index: 0, Text: "The first scene.", Duration: sec(5)},
				{Index: 1, Text: "The second scene.", Duration: sec(3)},
			}
			track, err := NewSynchronizer(cfg).Sync(scenes)
			require.NoError(t, err)
			require.Len(t, track.Cues, 2)
			assert.Equal(t, tt.wantStart, track.Cues[1].Start)
			assert.Equal(t, 1, track.Cues[1].SceneIndex)
			assert.Equal(t, tt.wantStart+sec(3), track.Cues[1].End)
			assertTrackInvariants(t, track, scenes, cfg.MinGap)
			assert.Empty(t, track.Warnings)
		})
	}
}

func TestSync_ProportionalAllocation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCharsPerCue = 70
	// 30 and 70 runes, forced into two cues
	first := strings.Repeat("x", 29) + "."
	second := strings.Repeat("y", 69) + "."
	scenes := []SceneTiming{{Index: 0, Text: first + " " + second, Duration: sec(10)}}

	track, err := NewSynchronizer(cfg).Sync(scenes)
	require.NoError(t, err)
	require.Len(t, track.Cues, 2)
	assert.InDelta(t, 3.0, track.Cues[0].Duration().Seconds(), 0.1)
	assert.InDelta(t, 7.0, track.Cues[1].Duration().Seconds(), 0.1)
	assert.Equal(t, sec(10), track.Cues[1].End)
	assertTrackInvariants(t, track, scenes, cfg.MinGap)
}

func TestSync_FloorBorrowsFromLongestSibling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCharsPerCue = 40
	scenes := []SceneTiming{{
		Index:    0,
		Text:     "Hi. " + strings.Repeat("long words here ", 2) + "and more text to read.",
		Duration: sec(4),
	}}

	track, err := NewSynchronizer(cfg).Sync(scenes)
	require.NoError(t, err)
	require.Len(t, track.Cues, 3)
	assert.Equal(t, "Hi.", track.Cues[0].Text)
	for _, cue := range track.Cues {
		assert.GreaterOrEqual(t, cue.Duration(), cfg.MinCueDuration, cue.Text)
	}
	assert.Empty(t, track.Warnings)
	assertTrackInvariants(t, track, scenes, cfg.MinGap)
}

func TestSync_MergesFragmentsThatCannotFit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCharsPerCue = 10
	scenes := []SceneTiming{{Index: 0, Text: "One two. Three four. Five six.", Duration: sec(2)}}

	track, err := NewSynchronizer(cfg).Sync(scenes)
	require.NoError(t, err)
	// two 1s cues plus the gap between them do not fit in 2s
	require.Len(t, track.Cues, 1)
	assert.Equal(t, "One two. Three four. Five six.", track.Cues[0].Text)
	assertTrackInvariants(t, track, scenes, cfg.MinGap)
}

func TestSync_ShortSceneWarnsButKeepsGap(t *testing.T) {
	cfg := DefaultConfig()
	scenes := []SceneTiming{
		{Index: 0, Text: "Quick.", Duration: 600 * time.Millisecond},
		{Index: 1, Text: "Then a longer sentence.", Duration: sec(3)},
	}

	track, err := NewSynchronizer(cfg).Sync(scenes)
	require.NoError(t, err)
	require.Len(t, track.Cues, 2)
	assert.Equal(t, 500*time.Millisecond, track.Cues[0].End)
	require.Len(t, track.Warnings, 1)
	assert.Contains(t, track.Warnings[0], "below the 1000ms minimum")
	assertTrackInvariants(t, track, scenes, cfg.MinGap)
}

func TestSync_CueWithoutRoomIsMerged(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinGap = 200 * time.Millisecond
	scenes := []SceneTiming{
		{Index: 0, Text: "Blip.", Duration: 150 * time.Millisecond},
		{Index: 1, Text: "Main narration.", Duration: sec(3)},
	}

	track, err := NewSynchronizer(cfg).Sync(scenes)
	require.NoError(t, err)
	require.Len(t, track.Cues, 1)
	assert.Equal(t, "Blip. Main narration.", track.Cues[0].Text)
	assert.Equal(t, 150*time.Millisecond, track.Cues[0].Start)
	assert.NotEmpty(t, track.Warnings)
	assertTrackInvariants(t, track, scenes, cfg.MinGap)
}

func TestSync_RejectsUnusableInput(t *testing.T) {
	s := NewSynchronizer(DefaultConfig())
	tests := []struct {
		name   string
		scenes []SceneTiming
	}{
		{name: "no scenes"},
		{name: "zero total", scenes: []SceneTiming{{Index: 0, Text: "a", Duration: 0}}},
		{name: "empty narration", scenes: []SceneTiming{{Index: 0, Text: "ok", Duration: sec(1)}, {Index: 1, Text: "  ", Duration: sec(2)}}},
		{name: "silent scene", scenes: []SceneTiming{{Index: 0, Text: "ok", Duration: sec(1)}, {Index: 1, Text: "quiet", Duration: 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			track, err := s.Sync(tt.scenes)
			require.Error(t, err)
			assert.Nil(t, track)
			assert.True(t, jobs.IsKind(err, jobs.KindValidation))
			assert.False(t, jobs.Retryable(err))
		})
	}
}

func TestSync_ManyScenesHoldInvariants(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCharsPerCue = 42
	text := "Lighthouses guided sailors for centuries. Their keepers lived alone on rocky islands! " +
		"Today most of them run automatically, yet many still stand. Would you visit one?"
	var scenes []SceneTiming
	for i := range 6 {
		scenes = append(scenes, SceneTiming{Index: i, Text: text, Duration: time.Duration(2+i) * 1333 * time.Millisecond})
	}

	track, err := NewSynchronizer(cfg).Sync(scenes)
	require.NoError(t, err)
	assertTrackInvariants(t, track, scenes, cfg.MinGap)
	for i, cue := range track.Cues {
		assert.Equal(t, i+1, cue.Index)
	}
	assert.Equal(t, 5, track.Cues[len(track.Cues)-1].SceneIndex)
}

func TestSync_OrdersScenesByIndex(t *testing.T) {
	scenes := []SceneTiming{
		{Index: 1, Text: "Second.", Duration: sec(2)},
		{Index: 0, Text: "First.", Duration: sec(2)},
	}
	track, err := NewSynchronizer(DefaultConfig()).Sync(scenes)
	require.NoError(t, err)
	assert.Equal(t, "First.", track.Cues[0].Text)
	assert.Equal(t, 0, track.Cues[0].SceneIndex)
}

func TestSync_SubMillisecondAudioNeverExtendsTrack(t *testing.T) {
	scenes := []SceneTiming{
		{Index: 0, Text: "Waves roll in.", Duration: 4000*time.Millisecond + 500*time.Microsecond},
		{Index: 1, Text: "Then they leave.", Duration: 2999*time.Millisecond + 900*time.Microsecond},
	}
	track, err := NewSynchronizer(DefaultConfig()).Sync(scenes)
	require.NoError(t, err)
	assertTrackInvariants(t, track, scenes, DefaultConfig().MinGap)

	last := track.Cues[len(track.Cues)-1]
	assert.LessOrEqual(t, last.End, scenes[0].Duration+scenes[1].Duration)
	assert.Equal(t, 6999*time.Millisecond, last.End)
}
