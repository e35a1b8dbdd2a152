package generate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/MimeLyc/ai-video-pipeline/internal/jobs"
)

// characterLine matches "Name (description) – Voice: VoiceName" headers.
var characterLine = regexp.MustCompile(`(?i)^(.+?)(?:\s*\([^)]*\))?\s*[–-]\s*Voice:\s*(.+?)$`)

// ParseScript turns free text into scenes. Scripts with character headers
// become one scene per speaking turn carrying the requested voice; anything
// else becomes one scene per paragraph.
func ParseScript(text string) []jobs.Scene {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if hasCharacterLines(text) {
		return parseCharacterScript(text)
	}
	return parseParagraphs(text)
}

func hasCharacterLines(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		if characterLine.MatchString(strings.TrimSpace(line)) {
			return true
		}
	}
	return false
}

func parseCharacterScript(text string) []jobs.Scene {
	var scenes []jobs.Scene
	var cur *jobs.Scene
	flush := func() {
		if cur != nil && cur.NarrationText != "" {
			cur.Index = len(scenes)
			cur.ImagePrompt = fmt.Sprintf("%s speaking: %s", cur.Character, cur.NarrationText)
			scenes = append(scenes, *cur)
		}
		cur = nil
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := characterLine.FindStringSubmatch(line); m != nil {
			flush()
			cur = &jobs.Scene{Character: strings.TrimSpace(m[1]), Voice: strings.TrimSpace(m[2])}
			continue
		}
		// dialogue before the first header has no speaker and is dropped
		if cur == nil {
			continue
		}
		if cur.NarrationText == "" {
			cur.NarrationText = line
		} else {
			cur.NarrationText += " " + line
		}
	}
	flush()
	return scenes
}

var blankLines = regexp.MustCompile(`\n\s*\n`)

func parseParagraphs(text string) []jobs.Scene {
	var scenes []jobs.Scene
	for _, para := range blankLines.Split(strings.TrimSpace(text), -1) {
		narration := strings.Join(strings.Fields(para), " ")
		if narration == "" {
			continue
		}
		scenes = append(scenes, jobs.Scene{
			Index:         len(scenes),
			NarrationText: narration,
			ImagePrompt:   narration,
		})
	}
	return scenes
}
