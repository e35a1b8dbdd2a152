package presets

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed presets.yaml
var defaultCatalog []byte

type Format struct {
	Width       int    `yaml:"width" json:"width"`
	Height      int    `yaml:"height" json:"height"`
	AspectRatio string `yaml:"aspect_ratio" json:"aspect_ratio"`
}

// Effects drives the per-scene zoom and the fade between scenes.
type Effects struct {
	Description        string  `yaml:"description" json:"description"`
	TransitionDuration float64 `yaml:"transition_duration" json:"transition_duration"`
	ZoomIntensity      float64 `yaml:"zoom_intensity" json:"zoom_intensity"`
}

type ImageStyle struct {
	Name             string   `yaml:"name" json:"name"`
	Description      string   `yaml:"description" json:"description"`
	BasePrompt       string   `yaml:"base_prompt" json:"-"`
	Lighting         string   `yaml:"lighting" json:"-"`
	QualityTerms     []string `yaml:"quality_terms" json:"-"`
	ConsistencyTerms []string `yaml:"consistency_terms" json:"-"`
}

type Voices struct {
	Types map[string]string `yaml:"types"`
	Names map[string]string `yaml:"names"`
}

type Catalog struct {
	Formats map[string]Format     `yaml:"formats"`
	Effects map[string]Effects    `yaml:"effects"`
	Images  map[string]ImageStyle `yaml:"images"`
	Voices  Voices                `yaml:"voices"`
}

var (
	defaultOnce sync.Once
	defaultCat  *Catalog
	defaultErr  error
)

// Default returns the embedded catalog.
func Default() *Catalog {
	defaultOnce.Do(func() {
		defaultCat, defaultErr = Parse(defaultCatalog)
	})
	if defaultErr != nil {
		panic(fmt.Sprintf("embedded presets are invalid: %v", defaultErr))
	}
	return defaultCat
}

// Load reads a catalog file; an empty path returns the embedded one.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read presets %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse presets: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	for name, f := range c.Formats {
		if f.Width <= 0 || f.Height <= 0 || f.Width%2 != 0 || f.Height%2 != 0 {
			return fmt.Errorf("format %s needs positive even dimensions", name)
		}
	}
	for name, e := range c.Effects {
		if e.TransitionDuration < 0 || e.ZoomIntensity < 0 || e.ZoomIntensity > 1 {
			return fmt.Errorf("effects preset %s is out of range", name)
		}
	}
	if len(c.Formats) == 0 || len(c.Effects) == 0 {
		return fmt.Errorf("presets need at least one format and one effects preset")
	}
	return nil
}

func (c *Catalog) Format(name string) (Format, bool) {
	f, ok := c.Formats[strings.ToLower(name)]
	return f, ok
}

func (c *Catalog) EffectsPreset(name string) (Effects, bool) {
	e, ok := c.Effects[strings.ToLower(name)]
	return e, ok
}

// BuildPrompt wraps a scene prompt with the style's fragments. Unknown
// styles and "none" return the prompt unchanged.
func (c *Catalog) BuildPrompt(prompt, style string) string {
	s, ok := c.Images[strings.ToLower(style)]
	if !ok || s.BasePrompt == "" {
		return prompt
	}
	parts := []string{s.BasePrompt, prompt}
	if s.Lighting != "" {
		parts = append(parts, s.Lighting)
	}
	if len(s.QualityTerms) > 0 {
		parts = append(parts, strings.Join(s.QualityTerms, ", "))
	}
	if len(s.ConsistencyTerms) > 0 {
		parts = append(parts, strings.Join(s.ConsistencyTerms, ", "))
	}
	return strings.Join(parts, ". ")
}

// VoiceID resolves a voice by provider id, display name or voice type, in
// that order. The second result is false when nothing matched.
func (c *Catalog) VoiceID(voice, voiceType string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(voice))
	if key != "" {
		for _, id := range c.Voices.Names {
			if id == strings.TrimSpace(voice) {
				return id, true
			}
		}
		if id, ok := c.Voices.Names[key]; ok {
			return id, true
		}
	}
	id, ok := c.Voices.Types[strings.ToLower(voiceType)]
	return id, ok
}

// Summary is the public listing served by the API.
type Summary struct {
	Formats map[string]Format     `json:"formats"`
	Effects map[string]Effects    `json:"effects"`
	Images  map[string]ImageStyle `json:"images"`
	Voices  []string              `json:"voice_types"`
}

func (c *Catalog) Summary() Summary {
	voices := make([]string, 0, len(c.Voices.Types))
	for v := range c.Voices.Types {
		voices = append(voices, v)
	}
	sort.Strings(voices)
	return Summary{Formats: c.Formats, Effects: c.Effects, Images: c.Images, Voices: voices}
}
