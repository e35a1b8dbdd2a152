package subtitle

import (
	"encoding/json"
	"math"
	"time"
)

// Cue is one timed subtitle entry. Times are offsets from the start of the
// video with millisecond precision.
type Cue struct {
	Index      int
	Start      time.Duration
	End        time.Duration
	Text       string
	SceneIndex int
}

func (c Cue) Duration() time.Duration {
	return c.End - c.Start
}

type cueJSON struct {
	Index      int     `json:"index"`
	StartTime  float64 `json:"start_time"`
	EndTime    float64 `json:"end_time"`
	Text       string  `json:"text"`
	SceneIndex int     `json:"scene_index"`
}

func (c Cue) MarshalJSON() ([]byte, error) {
	return json.Marshal(cueJSON{
		Index:      c.Index,
		StartTime:  seconds(c.Start),
		EndTime:    seconds(c.End),
		Text:       c.Text,
		SceneIndex: c.SceneIndex,
	})
}

func (c *Cue) UnmarshalJSON(data []byte) error {
	var raw cueJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Index = raw.Index
	c.Start = fromSeconds(raw.StartTime)
	c.End = fromSeconds(raw.EndTime)
	c.Text = raw.Text
	c.SceneIndex = raw.SceneIndex
	return nil
}

func seconds(d time.Duration) float64 {
	return float64(d.Milliseconds()) / 1000
}

func fromSeconds(s float64) time.Duration {
	return time.Duration(math.Round(s*1000)) * time.Millisecond
}

// SceneTiming is the synchronizer input for one scene.
type SceneTiming struct {
	Index    int
	Text     string
	Duration time.Duration
}

// Track is the persisted result of a synchronization run.
type Track struct {
	Cues     []Cue    `json:"cues"`
	Warnings []string `json:"warnings,omitempty"`
}

// Span returns the end time of the last cue.
func (t *Track) Span() time.Duration {
	if t == nil || len(t.Cues) == 0 {
		return 0
	}
	return t.Cues[len(t.Cues)-1].End
}

// Config bounds cue timing. A zero MinCueDuration or MaxCharsPerCue falls
// back to the default; gaps may be zero.
type Config struct {
	MinCueDuration time.Duration `yaml:"min_cue_duration"`
	MinGap         time.Duration `yaml:"min_gap"`
	SceneGap       time.Duration `yaml:"scene_gap"`
	MaxCharsPerCue int           `yaml:"max_chars_per_cue"`
}

const (
	DefaultMinCueDuration = time.Second
	DefaultMinGap         = 100 * time.Millisecond
	DefaultMaxCharsPerCue = 84
)

func DefaultConfig() Config {
	return Config{
		MinCueDuration: DefaultMinCueDuration,
		MinGap:         DefaultMinGap,
		MaxCharsPerCue: DefaultMaxCharsPerCue,
	}
}
