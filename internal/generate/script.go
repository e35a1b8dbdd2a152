package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/MimeLyc/ai-video-pipeline/internal/jobs"
	"github.com/MimeLyc/ai-video-pipeline/internal/llm"
	"github.com/MimeLyc/ai-video-pipeline/pkg/log"
)

const DefaultSceneCount = 4

// Completer is the slice of llm.Client the script writer needs.
type Completer interface {
	Complete(ctx context.Context, prompt string, opts *llm.ChatCompletionOptions) (string, error)
}

// LLMScriptGenerator asks a chat model for a scene list as JSON.
type LLMScriptGenerator struct {
	llm         Completer
	maxTokens   int
	temperature float64
}

func NewLLMScriptGenerator(c Completer) *LLMScriptGenerator {
	return &LLMScriptGenerator{llm: c, maxTokens: 2000, temperature: 0.8}
}

const scriptSystemPrompt = `You are a creative writer for short, viral narrated videos.
Your response MUST be a single valid JSON object with no text before or after it.`

type llmScript struct {
	Title  string     `json:"title"`
	Scenes []llmScene `json:"scenes"`
}

type llmScene struct {
	Narration         string `json:"narration"`
	ImagePrompt       string `json:"image_prompt"`
	VisualDescription string `json:"visual_description"`
}

func (g *LLMScriptGenerator) GenerateScript(ctx context.Context, req ScriptRequest) ([]jobs.Scene, error) {
	theme := strings.TrimSpace(req.Theme)
	if theme == "" {
		return nil, jobs.NewError(jobs.KindValidation, "theme is required").WithStage("script")
	}
	count := req.SceneCount
	if count <= 0 {
		count = DefaultSceneCount
	}

	opts := llm.NewChatCompletionOptions().
		WithSystemPrompt(scriptSystemPrompt).
		WithMaxTokens(g.maxTokens).
		WithTemperature(g.temperature).
		WithJSON()

	log.Debug("Requesting %d scenes for theme %q", count, theme)
	content, err := g.llm.Complete(ctx, buildScriptPrompt(theme, count, req.Language), opts)
	if err != nil {
		return nil, classifyLLMError(ctx, err)
	}

	scenes, err := ParseScriptJSON(content)
	if err != nil {
		return nil, err
	}
	log.Info("Script generated with %d scenes", len(scenes))
	return scenes, nil
}

func buildScriptPrompt(theme string, count int, lang string) string {
	return fmt.Sprintf(`Based on the theme %q, write a compelling script with a catchy title and exactly %d scenes.
Write the narration in %s. Keep every narration to one or two short sentences.

Return this exact structure:
{
  "title": "A catchy title",
  "scenes": [
    {
      "narration": "What the narrator says during the scene.",
      "image_prompt": "A detailed visual description for an AI image generator, in English."
    }
  ]
}`, theme, count, languageName(lang))
}

// languageName renders a BCP 47 tag as an English language name for the prompt.
func languageName(lang string) string {
	if lang == "" || lang == jobs.LanguageAuto {
		lang = jobs.DefaultLanguage
	}
	tag, err := language.Parse(lang)
	if err != nil {
		return lang
	}
	if name := display.English.Tags().Name(tag); name != "" {
		return name
	}
	return lang
}

var codeFence = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// ParseScriptJSON reads the model's scene list, tolerating a markdown code
// fence around the JSON.
func ParseScriptJSON(content string) ([]jobs.Scene, error) {
	raw := strings.TrimSpace(content)
	if m := codeFence.FindStringSubmatch(raw); m != nil {
		raw = m[1]
	}

	var script llmScript
	if err := json.Unmarshal([]byte(raw), &script); err != nil {
		return nil, jobs.ScriptGenerationError(err, "model returned malformed script JSON")
	}

	scenes := lo.Map(script.Scenes, func(s llmScene, _ int) jobs.Scene {
		prompt := lo.CoalesceOrEmpty(strings.TrimSpace(s.ImagePrompt), strings.TrimSpace(s.VisualDescription))
		return jobs.Scene{NarrationText: strings.TrimSpace(s.Narration), ImagePrompt: prompt}
	})
	if len(scenes) == 0 {
		return nil, jobs.ScriptGenerationError(nil, "model returned no scenes")
	}
	for i := range scenes {
		scenes[i].Index = i
		if scenes[i].NarrationText == "" {
			return nil, jobs.ScriptGenerationError(nil, "model returned a scene without narration").WithContext("scene", i)
		}
		if scenes[i].ImagePrompt == "" {
			scenes[i].ImagePrompt = scenes[i].NarrationText
		}
	}
	return scenes, nil
}

func classifyLLMError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var statusErr *llm.StatusError
	if errors.As(err, &statusErr) && !statusErr.Temporary() {
		return jobs.WrapError(err, jobs.KindValidation, "script model rejected the request").WithStage("script")
	}
	return jobs.ScriptGenerationError(err, "script model call failed")
}

// ScriptRouter parses user-supplied scripts locally and only sends themes to
// the model.
type ScriptRouter struct {
	LLM ScriptGenerator
}

func (r ScriptRouter) GenerateScript(ctx context.Context, req ScriptRequest) ([]jobs.Scene, error) {
	if strings.TrimSpace(req.Script) != "" {
		scenes := ParseScript(req.Script)
		if len(scenes) == 0 {
			return nil, jobs.ScriptGenerationError(nil, "script contains no narration")
		}
		return scenes, nil
	}
	if r.LLM == nil {
		return nil, jobs.NewError(jobs.KindValidation, "theme jobs need a script model; set LLM_API_KEY").WithStage("script")
	}
	return r.LLM.GenerateScript(ctx, req)
}
