package subtitle

import (
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/samber/lo"

	"github.com/MimeLyc/ai-video-pipeline/internal/jobs"
)

// Synchronizer turns per-scene narration text and measured audio durations
// into one ordered, non-overlapping cue list.
type Synchronizer struct {
	cfg Config
}

func NewSynchronizer(cfg Config) *Synchronizer {
	if cfg.MinCueDuration <= 0 {
		cfg.MinCueDuration = DefaultMinCueDuration
	}
	if cfg.MaxCharsPerCue <= 0 {
		cfg.MaxCharsPerCue = DefaultMaxCharsPerCue
	}
	cfg.MinGap = max(cfg.MinGap, 0)
	cfg.SceneGap = max(cfg.SceneGap, 0)
	return &Synchronizer{cfg: cfg}
}

func (s *Synchronizer) Config() Config {
	return s.cfg
}

// draft is a cue under construction, in milliseconds.
type draft struct {
	start, end int64
	text       string
	scene      int
}

// Sync builds the cue track. Scene i starts at the sum of the previous
// scene durations plus one SceneGap per boundary. Within a scene cues split
// the duration by character count. Floor or gap problems that cannot be
// resolved are reported as warnings; the gap and ordering always hold.
func (s *Synchronizer) Sync(scenes []SceneTiming) (*Track, error) {
	if len(scenes) == 0 {
		return nil, jobs.SyncValidationError("no scenes to synchronize")
	}
	ordered := slices.Clone(scenes)
	slices.SortStableFunc(ordered, func(a, b SceneTiming) int { return a.Index - b.Index })

	total := lo.SumBy(ordered, func(sc SceneTiming) time.Duration { return sc.Duration })
	if total <= 0 {
		return nil, jobs.SyncValidationError("total narration duration is zero")
	}

	minCue := s.cfg.MinCueDuration.Milliseconds()
	gap := s.cfg.MinGap.Milliseconds()
	sceneGap := s.cfg.SceneGap.Milliseconds()

	var drafts []draft
	var offset int64
	for i, sc := range ordered {
		if i > 0 {
			offset += sceneGap
		}
		d := sc.Duration.Truncate(time.Millisecond).Milliseconds()
		frags := Wrap(sc.Text, s.cfg.MaxCharsPerCue)
		switch {
		case len(frags) == 0:
			return nil, jobs.SyncValidationError("scene has empty narration").WithContext("scene", sc.Index)
		case d <= 0:
			return nil, jobs.SyncValidationError("scene has no narration audio").WithContext("scene", sc.Index)
		}

		// time the last cue of the scene loses to the gap pass
		lastTrim := max(gap-sceneGap, 0)
		if i == len(ordered)-1 {
			lastTrim = 0
		}
		frags = mergeToFit(frags, d, minCue, gap, lastTrim)
		needs := make([]int64, len(frags))
		for k := range needs {
			needs[k] = minCue + gap
		}
		needs[len(needs)-1] = minCue + lastTrim

		durs := allocate(frags, d)
		borrow(durs, needs)

		cursor := offset
		for k, text := range frags {
			drafts = append(drafts, draft{start: cursor, end: cursor + durs[k], text: text, scene: sc.Index})
			cursor += durs[k]
		}
		offset += d
	}

	drafts, warnings := separate(drafts, gap, minCue)
	track := &Track{Cues: make([]Cue, 0, len(drafts)), Warnings: warnings}
	for k, dr := range drafts {
		track.Cues = append(track.Cues, Cue{
			Index:      k + 1,
			Start:      time.Duration(dr.start) * time.Millisecond,
			End:        time.Duration(dr.end) * time.Millisecond,
			Text:       dr.text,
			SceneIndex: dr.scene,
		})
	}
	if len(track.Cues) == 0 {
		return nil, jobs.SyncValidationError("no cues could be generated")
	}
	return track, nil
}

// mergeToFit joins the shortest adjacent fragments until every cue of the
// scene can get its floor plus the gap that follows it.
func mergeToFit(frags []string, d, minCue, gap, lastTrim int64) []string {
	need := func(n int) int64 {
		return int64(n)*minCue + int64(n-1)*gap + lastTrim
	}
	for len(frags) > 1 && need(len(frags)) > d {
		best := 0
		bestLen := -1
		for i := 0; i+1 < len(frags); i++ {
			l := utf8.RuneCountInString(frags[i]) + utf8.RuneCountInString(frags[i+1])
			if bestLen < 0 || l < bestLen {
				best, bestLen = i, l
			}
		}
		merged := frags[best] + " " + frags[best+1]
		frags = slices.Replace(frags, best, best+2, merged)
	}
	return frags
}

// allocate splits d proportionally to rune counts. The rounding remainder
// goes to the last fragment so the scene sums exactly to d.
func allocate(frags []string, d int64) []int64 {
	weights := lo.Map(frags, func(f string, _ int) int64 {
		return int64(max(utf8.RuneCountInString(strings.TrimSpace(f)), 1))
	})
	total := lo.Sum(weights)

	durs := make([]int64, len(frags))
	var used int64
	for k := 0; k < len(frags)-1; k++ {
		durs[k] = d * weights[k] / total
		used += durs[k]
	}
	durs[len(durs)-1] = d - used
	return durs
}

// borrow raises cues below their need by taking time from the sibling with
// the most time above its own need.
func borrow(durs, needs []int64) {
	for k := range durs {
		for durs[k] < needs[k] {
			donor := -1
			var surplus int64
			for j := range durs {
				if j == k {
					continue
				}
				if s := durs[j] - needs[j]; s > surplus {
					donor, surplus = j, s
				}
			}
			if donor < 0 {
				break
			}
			give := min(needs[k]-durs[k], surplus)
			durs[donor] -= give
			durs[k] += give
		}
	}
}

// separate enforces end+gap <= next start by pulling ends in. A cue left
// with no positive duration is merged into the next cue.
func separate(drafts []draft, gap, minCue int64) ([]draft, []string) {
	var warnings []string
	out := make([]draft, 0, len(drafts))
	for i := 0; i < len(drafts); i++ {
		cur := drafts[i]
		if i+1 < len(drafts) {
			next := &drafts[i+1]
			if cur.end+gap > next.start {
				limit := next.start - gap
				if limit <= cur.start {
					next.text = cur.text + " " + next.text
					warnings = append(warnings, fmt.Sprintf("cue at %s of scene %d had no room before the next cue and was merged into it",
						formatDuration(time.Duration(cur.start)*time.Millisecond), cur.scene))
					continue
				}
				cur.end = limit
			}
		}
		if cur.end-cur.start < minCue {
			warnings = append(warnings, fmt.Sprintf("cue at %s of scene %d lasts %dms, below the %dms minimum",
				formatDuration(time.Duration(cur.start)*time.Millisecond), cur.scene, cur.end-cur.start, minCue))
		}
		out = append(out, cur)
	}
	return out, warnings
}
