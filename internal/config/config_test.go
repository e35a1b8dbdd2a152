package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromEnv_Defaults(t *testing.T) {
	t.Setenv("DATA_DIR", "")
	t.Setenv("CONFIG_FILE", "")

	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "/app/data", cfg.Storage.DataDir)
	assert.Equal(t, filepath.Join("/app/data", "aivideo.db"), cfg.DBPath())
	assert.Equal(t, filepath.Join("/app/data", "jobs"), cfg.ArtifactsDir())
	assert.Equal(t, 2, cfg.Worker.Count)
	assert.Equal(t, 2*time.Minute, cfg.Worker.Lease)
	assert.Equal(t, 3, cfg.Worker.MaxRetries)
	assert.Equal(t, time.Second, cfg.Subtitle.MinCueDuration)
	assert.Equal(t, 100*time.Millisecond, cfg.Subtitle.MinGap)
	assert.Equal(t, time.Duration(0), cfg.Subtitle.SceneGap)
	assert.Equal(t, 84, cfg.Subtitle.MaxCharsPerCue)
	assert.Equal(t, "pt", cfg.Pipeline.FallbackLanguage)
	assert.Equal(t, 24*time.Hour, cfg.Retention.MaxAge)
}

func TestNewFromEnv_ReadsEnvironment(t *testing.T) {
	t.Setenv("DATA_DIR", "/tmp/aivideo")
	t.Setenv("DB_PATH", "/var/lib/aivideo/jobs.db")
	t.Setenv("WORKER_COUNT", "6")
	t.Setenv("WORKER_LEASE", "5m")
	t.Setenv("SUBTITLE_SCENE_GAP", "250ms")
	t.Setenv("BURN_SUBTITLES", "true")
	t.Setenv("LLM_TEMPERATURE", "0.2")
	t.Setenv("SCENE_ATTEMPTS", "not-a-number")

	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/aivideo/jobs.db", cfg.DBPath())
	assert.Equal(t, filepath.Join("/tmp/aivideo", "jobs"), cfg.ArtifactsDir())
	assert.Equal(t, 6, cfg.Worker.Count)
	assert.Equal(t, 5*time.Minute, cfg.Worker.Lease)
	assert.Equal(t, 250*time.Millisecond, cfg.Subtitle.SceneGap)
	assert.True(t, cfg.Media.BurnSubtitles)
	assert.InDelta(t, 0.2, cfg.LLM.Temperature, 1e-9)
	assert.Equal(t, 3, cfg.Pipeline.SceneAttempts, "unparsable values keep the default")
}

func TestNewFromEnv_ConfigFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aivideo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
worker:
  count: 4
  heartbeat: 10s
subtitle:
  min_gap: 200ms
  max_chars_per_cue: 60
retention:
  max_age: 72h
`), 0o644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("WORKER_LEASE", "1m")

	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Worker.Count)
	assert.Equal(t, 10*time.Second, cfg.Worker.Heartbeat)
	assert.Equal(t, time.Minute, cfg.Worker.Lease, "keys missing from the file keep their env value")
	assert.Equal(t, 200*time.Millisecond, cfg.Subtitle.MinGap)
	assert.Equal(t, 60, cfg.Subtitle.MaxCharsPerCue)
	assert.Equal(t, 72*time.Hour, cfg.Retention.MaxAge)
}

func TestNewFromEnv_MissingConfigFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := NewFromEnv()
	require.Error(t, err)
}

func TestNewFromEnv_Options(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	dir := t.TempDir()

	cfg, err := NewFromEnv(WithDataDir(dir), WithWorkerCount(9), WithFile(""))
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.Storage.DataDir)
	assert.Equal(t, 9, cfg.Worker.Count)
}

func TestNewFromEnv_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"heartbeat longer than lease", map[string]string{"WORKER_LEASE": "10s", "WORKER_HEARTBEAT": "20s"}},
		{"bad reaper cron", map[string]string{"REAPER_CRON": "every minute"}},
		{"bad retention cron", map[string]string{"RETENTION_CRON": "61 * * * *"}},
		{"bad fallback language", map[string]string{"FALLBACK_LANGUAGE": "not a tag!"}},
		{"tiny cue width", map[string]string{"SUBTITLE_MAX_CHARS": "4"}},
		{"zero workers", map[string]string{"WORKER_COUNT": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CONFIG_FILE", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := NewFromEnv()
			assert.Error(t, err)
		})
	}
}
