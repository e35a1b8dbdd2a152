package subtitle

import (
	"strings"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"
)

// DetectLanguage returns the most common language across texts, or
// language.Und when nothing can be detected reliably.
func DetectLanguage(texts []string) language.Tag {
	counts := make(map[string]int)
	for _, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		info := whatlanggo.Detect(text)
		if !info.IsReliable() {
			continue
		}
		counts[info.Lang.Iso6391()]++
	}

	var topLang string
	var topCount int
	for lang, count := range counts {
		if count > topCount || (count == topCount && lang < topLang) {
			topLang = lang
			topCount = count
		}
	}
	if topLang == "" {
		return language.Und
	}
	tag, err := language.Parse(topLang)
	if err != nil {
		return language.Und
	}
	return tag
}
