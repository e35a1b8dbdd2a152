package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/ai-video-pipeline/internal/jobs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestStore_Layout(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	p, err := s.ScriptPath("job-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "job-1", "script.json"), p)

	p, err = s.ImagePath("job-1", 2, "PNG")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "job-1", "images", "scene_3.png"), p)

	p, err = s.AudioPath("job-1", 0, ".mp3")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "job-1", "audio", "scene_1.mp3"), p)

	p, err = s.SubtitlePath("job-1", "srt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "job-1", "subtitles.srt"), p)

	p, err = s.VideoPath("job-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "job-1", "video.mp4"), p)
}

func TestStore_RejectsUnsafeJobIDs(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	for _, id := range []string{"", "../etc", "a/b", "..", ".hidden", "a;rm", "job 1"} {
		_, err := s.JobDir(id)
		require.Error(t, err, id)
		assert.True(t, jobs.IsKind(err, jobs.KindSecurity), id)
	}

	err := s.WriteFile(filepath.Join(s.Root(), "..", "escape.txt"), []byte("x"))
	assert.True(t, jobs.IsKind(err, jobs.KindSecurity))
}

func TestStore_WriteFindAndList(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	script, _ := s.ScriptPath("j")
	require.NoError(t, s.WriteJSON(script, []jobs.Scene{{Index: 0, NarrationText: "hi"}}))
	var scenes []jobs.Scene
	require.NoError(t, s.ReadJSON(script, &scenes))
	assert.Equal(t, "hi", scenes[0].NarrationText)

	_, ok, err := s.FindImage("j", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	img1, _ := s.ImagePath("j", 1, "jpg")
	img0, _ := s.ImagePath("j", 0, "png")
	require.NoError(t, s.WriteFile(img1, []byte("jpeg")))
	require.NoError(t, s.WriteFile(img0, []byte("png")))
	found, ok, err := s.FindImage("j", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, img1, found)

	// an interrupted write leaves only an empty file behind
	audio0, _ := s.AudioPath("j", 0, "mp3")
	require.NoError(t, os.MkdirAll(filepath.Dir(audio0), 0o755))
	require.NoError(t, os.WriteFile(audio0, nil, 0o644))
	_, ok, err = s.FindAudio("j", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	srt, _ := s.SubtitlePath("j", "srt")
	require.NoError(t, s.WriteFile(srt, []byte("1\n")))

	list, err := s.List("j")
	require.NoError(t, err)
	kinds := make([]jobs.ArtifactKind, 0, len(list))
	for _, a := range list {
		kinds = append(kinds, a.Kind)
	}
	assert.Equal(t, []jobs.ArtifactKind{jobs.ArtifactScript, jobs.ArtifactImage, jobs.ArtifactImage, jobs.ArtifactSubtitle}, kinds)
	require.NotNil(t, list[1].SceneIndex)
	assert.Equal(t, 0, *list[1].SceneIndex)
	assert.Equal(t, 1, *list[2].SceneIndex)
}

func TestStore_RemoveJob(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	video, _ := s.VideoPath("j")
	require.NoError(t, s.WriteFile(video, []byte("mp4")))
	assert.True(t, s.Exists(video))

	require.NoError(t, s.RemoveJob("j"))
	assert.False(t, s.Exists(video))
	require.NoError(t, s.RemoveJob("j"))
}
