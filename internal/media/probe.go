package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/ai-video-pipeline/internal/jobs"
	"github.com/MimeLyc/ai-video-pipeline/internal/persistence"
	"github.com/MimeLyc/ai-video-pipeline/pkg/log"
)

type ffprobe struct {
	ffprobeCmd string
	cache      DurationCache
}

// NewProber measures media length with ffprobe. cache may be nil.
func NewProber(ffprobeCmd string, cache DurationCache) DurationProber {
	if ffprobeCmd == "" {
		ffprobeCmd = "ffprobe"
	}
	return ffprobe{ffprobeCmd: ffprobeCmd, cache: cache}
}

func (ffprobe) durationArgs(path string) []string {
	return []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}
}

func (fp ffprobe) Duration(ctx context.Context, path string) (time.Duration, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, jobs.WrapError(err, jobs.KindResource, "stat media file").WithContext("path", path)
	}

	if fp.cache != nil {
		d, ok, err := fp.cache.GetProbeCache(ctx, path, info.Size(), info.ModTime())
		if err != nil {
			log.Warn("Probe cache lookup failed for %s: %v", path, err)
		} else if ok {
			return d, nil
		}
	}

	cmdPath, err := exec.LookPath(fp.ffprobeCmd)
	if err != nil {
		return 0, jobs.WrapError(err, jobs.KindResource, "ffprobe not found").WithContext("binary", fp.ffprobeCmd)
	}
	output, err := exec.CommandContext(ctx, cmdPath, fp.durationArgs(path)...).Output()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, jobs.WrapError(err, jobs.KindResource, "ffprobe failed").WithContext("path", path)
	}

	d, err := parseDuration(string(output))
	if err != nil {
		return 0, jobs.WrapError(err, jobs.KindResource, "unreadable ffprobe output").WithContext("path", path)
	}

	if fp.cache != nil {
		entry := persistence.ProbeCacheEntry{Path: path, Size: info.Size(), ModTime: info.ModTime(), Duration: d}
		if err := fp.cache.PutProbeCache(ctx, entry); err != nil {
			log.Warn("Failed to cache duration of %s: %v", path, err)
		}
	}
	return d, nil
}

func parseDuration(out string) (time.Duration, error) {
	val := strings.TrimSpace(out)
	if i := strings.IndexByte(val, '\n'); i >= 0 {
		val = strings.TrimSpace(val[:i])
	}
	secs, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", val, err)
	}
	if secs <= 0 {
		return 0, fmt.Errorf("non-positive duration %q", val)
	}
	return time.Duration(secs * float64(time.Second)).Round(time.Millisecond), nil
}
