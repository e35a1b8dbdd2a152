package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/ai-video-pipeline/internal/jobs"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--env-file", ""))
	err := Execute()
	return out.String(), err
}

func TestCommands_EnqueueStatusAndList(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("CONFIG_FILE", "")

	out, err := execute(t, "enqueue", "--id", "job-1", "--theme", "lighthouses", "--scenes", "3", "--format", "tiktok")
	require.NoError(t, err)
	assert.Equal(t, "job-1\n", out)

	out, err = execute(t, "status", "job-1", "--json")
	require.NoError(t, err)
	var snap jobs.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, jobs.StatusPending, snap.Status)
	assert.Equal(t, jobs.FormatVertical, snap.Input.VideoFormat)
	assert.Equal(t, 3, snap.Input.SceneCount)

	out, err = execute(t, "jobs", "--status", "pending")
	require.NoError(t, err)
	assert.Contains(t, out, "job-1")
	assert.Contains(t, out, "pending")

	_, err = execute(t, "status", "missing")
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestCommands_EnqueueRejectsInvalidInput(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("CONFIG_FILE", "")
	enqueueID, enqueueTheme, enqueueFormat = "", "", ""

	_, err := execute(t, "enqueue", "--voice-provider", "robot", "--theme", "x")
	require.Error(t, err)
	assert.True(t, jobs.IsKind(err, jobs.KindValidation))
}

func TestReadScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "story.txt")
	require.NoError(t, os.WriteFile(path, []byte("Once upon a time."), 0o644))

	got, err := readScript(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "Once upon a time.", got)

	got, err = readScript("-", strings.NewReader("from stdin"))
	require.NoError(t, err)
	assert.Equal(t, "from stdin", got)

	got, err = readScript("", nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = readScript(filepath.Join(t.TempDir(), "nope.txt"), nil)
	assert.Error(t, err)
}

func TestLoadEnvFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), ".env")
	assert.NoError(t, loadEnvFile(missing, false))
	assert.Error(t, loadEnvFile(missing, true))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("AIVIDEO_CLI_TEST=from-file\n"), 0o644))
	t.Setenv("AIVIDEO_CLI_TEST", "")
	os.Unsetenv("AIVIDEO_CLI_TEST")
	require.NoError(t, loadEnvFile(path, true))
	assert.Equal(t, "from-file", os.Getenv("AIVIDEO_CLI_TEST"))
}

func TestPrintSnapshot(t *testing.T) {
	done := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	snap := jobs.Snapshot{
		ID:          "job-9",
		Status:      jobs.StatusFailed,
		Progress:    40,
		CurrentStep: "failed",
		Error:       &jobs.ErrorRecord{Kind: jobs.KindValidation, Message: "script: empty narration"},
		Warnings:    []string{"tts fallback used"},
		CompletedAt: &done,
	}
	var buf bytes.Buffer
	printSnapshot(&buf, snap, "")
	out := buf.String()
	assert.Contains(t, out, "failed (40%)")
	assert.Contains(t, out, "[validation] script: empty narration")
	assert.Contains(t, out, "Warning:  tts fallback used")
	assert.NotContains(t, out, "Video:")
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Empty(t, firstNonEmpty("", ""))
}
