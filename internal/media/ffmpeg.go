package media

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/ai-video-pipeline/internal/jobs"
	"github.com/MimeLyc/ai-video-pipeline/pkg/file"
	"github.com/MimeLyc/ai-video-pipeline/pkg/log"
)

const (
	defaultFPS   = 25
	stderrTailSz = 600
)

type ffmpeg struct {
	ffmpegCmd string
	guard     *Guard
}

// NewFFmpeg returns a muxer running the given ffmpeg binary. Every request
// is vetted by guard before the process starts.
func NewFFmpeg(ffmpegCmd string, guard *Guard) Muxer {
	if ffmpegCmd == "" {
		ffmpegCmd = "ffmpeg"
	}
	if guard == nil {
		guard = &Guard{}
	}
	return ffmpeg{ffmpegCmd: ffmpegCmd, guard: guard}
}

// Available reports whether bin resolves on PATH.
func Available(bin string) error {
	_, err := exec.LookPath(bin)
	return err
}

// Mux renders the video into a sibling temp file and renames it over
// req.Output once ffmpeg exits cleanly.
func (ff ffmpeg) Mux(ctx context.Context, req MuxRequest) error {
	if len(req.Scenes) == 0 {
		return jobs.AssemblyError(nil, "no scenes to assemble")
	}
	if err := ff.guard.CheckRequest(req); err != nil {
		return err
	}
	for _, s := range req.Scenes {
		if s.Duration <= 0 {
			return jobs.AssemblyError(nil, "scene duration must be positive").WithContext("image", s.Image)
		}
	}

	cmdPath, err := exec.LookPath(ff.ffmpegCmd)
	if err != nil {
		return jobs.AssemblyError(err, "ffmpeg not found").WithContext("binary", ff.ffmpegCmd)
	}

	partial := req.Output + ".partial"
	defer os.Remove(partial)

	args := ff.muxArgs(req, partial)
	log.Debug("Running %s with %d arguments", cmdPath, len(args))

	cmd := exec.CommandContext(ctx, cmdPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return jobs.AssemblyError(err, "ffmpeg exited with an error").
			WithContext("output", req.Output).
			WithContext("stderr", tailOf(stderr.String(), stderrTailSz))
	}

	if !file.Exists(partial) {
		return jobs.AssemblyError(nil, "ffmpeg produced no output").WithContext("output", req.Output)
	}
	if err := os.Rename(partial, req.Output); err != nil {
		return jobs.AssemblyError(err, "move assembled video into place")
	}
	log.Info("Assembled %d scenes into %s in %s", len(req.Scenes), req.Output, time.Since(start).Round(time.Millisecond))
	return nil
}

func (ff ffmpeg) muxArgs(req MuxRequest, output string) []string {
	n := len(req.Scenes)
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}

	for _, s := range req.Scenes {
		if req.Zoom > 0 {
			// zoompan emits d frames per input frame, so it gets exactly one
			args = append(args, "-i", s.Image)
			continue
		}
		args = append(args, "-loop", "1", "-t", seconds(s.Duration), "-i", s.Image)
	}
	for _, s := range req.Scenes {
		args = append(args, "-i", s.Audio)
	}
	softSubs := req.SubtitlePath != "" && !req.BurnSubtitles
	if softSubs {
		args = append(args, "-i", req.SubtitlePath)
	}

	args = append(args, "-filter_complex", filterGraph(req))
	args = append(args, "-map", "[vout]", "-map", "[aout]")
	if softSubs {
		args = append(args, "-map", strconv.Itoa(2*n)+":s", "-c:s", "mov_text")
	}

	args = append(args,
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "23",
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(fps(req)),
		"-c:a", "aac",
		"-b:a", "192k",
		"-movflags", "+faststart",
		"-f", "mp4",
		output,
	)
	return args
}

// filterGraph scales and pads every still to the frame, applies the effects
// preset, pads each scene's audio to the scene length and concatenates both
// streams in scene order.
func filterGraph(req MuxRequest) string {
	n := len(req.Scenes)
	w, h, rate := req.Width, req.Height, fps(req)
	var chains []string

	for i, s := range req.Scenes {
		chain := fmt.Sprintf("[%d:v]scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1", i, w, h, w, h)
		if req.Zoom > 0 {
			frames := max(int(math.Ceil(s.Duration.Seconds()*float64(rate))), 1)
			step := req.Zoom / float64(frames)
			chain += fmt.Sprintf(",zoompan=z='min(zoom+%.6f,%.4f)':d=%d:x='iw/2-(iw/zoom/2)':y='ih/2-(ih/zoom/2)':s=%dx%d:fps=%d",
				step, 1+req.Zoom, frames, w, h, rate)
			chain += fmt.Sprintf(",trim=duration=%s,setpts=PTS-STARTPTS", seconds(s.Duration))
		} else {
			chain += fmt.Sprintf(",fps=%d", rate)
		}
		if fade := min(req.Transition, s.Duration/2); fade > 0 {
			chain += fmt.Sprintf(",fade=t=in:st=0:d=%s,fade=t=out:st=%s:d=%s",
				seconds(fade), seconds(s.Duration-fade), seconds(fade))
		}
		chains = append(chains, chain+fmt.Sprintf(",format=yuv420p[v%d]", i))
	}

	for i, s := range req.Scenes {
		chains = append(chains, fmt.Sprintf("[%d:a]aresample=44100,apad=whole_dur=%s,atrim=0:%s[a%d]",
			n+i, seconds(s.Duration), seconds(s.Duration), i))
	}

	var vIn, aIn strings.Builder
	for i := range req.Scenes {
		fmt.Fprintf(&vIn, "[v%d]", i)
		fmt.Fprintf(&aIn, "[a%d]", i)
	}
	vLabel := "[vout]"
	if req.BurnSubtitles && req.SubtitlePath != "" {
		vLabel = "[vcat]"
	}
	chains = append(chains, fmt.Sprintf("%sconcat=n=%d:v=1:a=0%s", vIn.String(), n, vLabel))
	chains = append(chains, fmt.Sprintf("%sconcat=n=%d:v=0:a=1[aout]", aIn.String(), n))
	if vLabel == "[vcat]" {
		// the guard limits the path to characters that need no escaping here
		chains = append(chains, fmt.Sprintf("[vcat]subtitles=%s:force_style='Fontsize=22,Outline=2,MarginV=40'[vout]", req.SubtitlePath))
	}
	return strings.Join(chains, ";")
}

func fps(req MuxRequest) int {
	if req.FPS > 0 {
		return req.FPS
	}
	return defaultFPS
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func tailOf(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
