package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MimeLyc/ai-video-pipeline/internal/jobs"
	"github.com/MimeLyc/ai-video-pipeline/internal/service"
)

var (
	enqueueID           string
	enqueueTheme        string
	enqueueScriptFile   string
	enqueueImagePrompts []string
	enqueueScenes       int
	enqueueProvider     string
	enqueueVoiceType    string
	enqueueLanguage     string
	enqueueFormat       string
	enqueueEffects      string
	enqueueImagePreset  string

	statusJSON bool

	jobsStatus   string
	jobsPage     int
	jobsPageSize int

	cleanupMaxAge time.Duration
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a new video job",
	Long: `Queue a new video job from a theme or a ready script.

Examples:
  aivideo enqueue --theme "the deep sea" --scenes 5 --language en
  aivideo enqueue --script-file story.txt --format vertical --effects cinematic
  cat story.txt | aivideo enqueue --script-file -`,
	RunE: runEnqueue,
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the state of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs, newest first",
	RunE:  runJobs,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished jobs and their files past the retention age",
	RunE:  runCleanup,
}

func init() {
	f := enqueueCmd.Flags()
	f.StringVar(&enqueueID, "id", "", "job id (generated when empty)")
	f.StringVarP(&enqueueTheme, "theme", "t", "", "theme the script model writes about")
	f.StringVarP(&enqueueScriptFile, "script-file", "f", "", "file with a ready script, or - for stdin")
	f.StringArrayVar(&enqueueImagePrompts, "image-prompt", nil, "image prompt for the next scene (repeatable)")
	f.IntVarP(&enqueueScenes, "scenes", "n", 0, "number of scenes for theme jobs")
	f.StringVar(&enqueueProvider, "voice-provider", "", "auto, elevenlabs or gtts")
	f.StringVar(&enqueueVoiceType, "voice-type", "", "narrator, male, female or child")
	f.StringVarP(&enqueueLanguage, "language", "l", "", "narration language tag, or auto")
	f.StringVar(&enqueueFormat, "format", "", "standard or vertical")
	f.StringVar(&enqueueEffects, "effects", "", "professional, cinematic, dynamic, subtle or none")
	f.StringVar(&enqueueImagePreset, "image-preset", "", "none, 3d_cartoon, realistic, anime or digital_art")

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the job as JSON")

	jobsCmd.Flags().StringVarP(&jobsStatus, "status", "s", "", "filter by status")
	jobsCmd.Flags().IntVar(&jobsPage, "page", 1, "page number")
	jobsCmd.Flags().IntVarP(&jobsPageSize, "limit", "n", jobs.DefaultPageSize, "jobs per page")

	cleanupCmd.Flags().DurationVar(&cleanupMaxAge, "max-age", 0, "retention age (default RETENTION_MAX_AGE)")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	script, err := readScript(enqueueScriptFile, cmd.InOrStdin())
	if err != nil {
		return err
	}

	job, err := app.Queue.Enqueue(context.Background(), jobs.EnqueueRequest{
		ID: enqueueID,
		Input: jobs.Input{
			Theme:         enqueueTheme,
			Script:        script,
			ImagePrompts:  enqueueImagePrompts,
			SceneCount:    enqueueScenes,
			VoiceProvider: jobs.VoiceProvider(enqueueProvider),
			VoiceType:     jobs.VoiceType(enqueueVoiceType),
			Language:      enqueueLanguage,
			VideoFormat:   jobs.VideoFormat(enqueueFormat),
			EffectsPreset: jobs.EffectsPreset(enqueueEffects),
			ImagePreset:   jobs.ImagePreset(enqueueImagePreset),
		},
	})
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), job.ID)
	return nil
}

func readScript(path string, stdin io.Reader) (string, error) {
	var data []byte
	var err error
	switch path {
	case "":
		return "", nil
	case "-":
		data, err = io.ReadAll(stdin)
	default:
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read script: %w", err)
	}
	return string(data), nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	job, err := app.Registry().Get(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	snap := job.Snapshot()
	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	printSnapshot(out, snap, job.VideoPath)
	return nil
}

func printSnapshot(w io.Writer, snap jobs.Snapshot, videoPath string) {
	fmt.Fprintf(w, "Job:      %s\n", snap.ID)
	fmt.Fprintf(w, "Status:   %s (%d%%)\n", snap.Status, snap.Progress)
	fmt.Fprintf(w, "Step:     %s\n", snap.CurrentStep)
	fmt.Fprintf(w, "Attempts: %d\n", snap.Attempts)
	fmt.Fprintf(w, "Created:  %s\n", snap.CreatedAt.Local().Format(time.DateTime))
	if snap.CompletedAt != nil {
		fmt.Fprintf(w, "Finished: %s\n", snap.CompletedAt.Local().Format(time.DateTime))
	}
	if snap.Error != nil {
		fmt.Fprintf(w, "Error:    [%s] %s\n", snap.Error.Kind, snap.Error.Message)
	}
	for _, warning := range snap.Warnings {
		fmt.Fprintf(w, "Warning:  %s\n", warning)
	}
	if snap.VideoReady {
		fmt.Fprintf(w, "Video:    %s\n", videoPath)
	}
}

func runJobs(cmd *cobra.Command, args []string) error {
	page, err := app.Registry().List(context.Background(), jobs.ListOptions{
		Status:   jobs.Status(strings.ToLower(jobsStatus)),
		Page:     jobsPage,
		PageSize: jobsPageSize,
	})
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(page.Items) == 0 {
		fmt.Fprintln(out, "No jobs found.")
		return nil
	}
	fmt.Fprintf(out, "Jobs (%d of %d, page %d):\n\n", len(page.Items), page.Total, page.Page)
	for _, s := range page.Items {
		fmt.Fprintf(out, "- %s  %-9s %3d%%  %s\n", s.ID, s.Status, s.Progress, s.CurrentStep)
	}
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	maxAge := cleanupMaxAge
	if maxAge <= 0 {
		maxAge = cfg.Retention.MaxAge
	}
	maint := service.NewMaintenance(app.Queue, app.Artifacts, app.Store, maxAge)
	res, err := maint.Cleanup(context.Background(), maxAge)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d jobs older than %s.\n", len(res.Deleted), maxAge)
	return nil
}
