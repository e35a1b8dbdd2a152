package subtitle

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var sentenceEnd = regexp.MustCompile(`[.!?]+(\s+|$)`)

// Wrap splits text into fragments of at most maxChars runes. Sentences are
// kept together when they fit; longer sentences break at word boundaries. A
// single word longer than maxChars becomes its own fragment.
func Wrap(text string, maxChars int) []string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return nil
	}
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return []string{text}
	}

	var out []string
	var cur string
	flush := func() {
		if cur != "" {
			out = append(out, cur)
			cur = ""
		}
	}

	for _, sentence := range sentences(text) {
		if utf8.RuneCountInString(sentence) > maxChars {
			flush()
			out = append(out, splitWords(sentence, maxChars)...)
			continue
		}
		if cur == "" {
			cur = sentence
			continue
		}
		if utf8.RuneCountInString(cur)+1+utf8.RuneCountInString(sentence) <= maxChars {
			cur += " " + sentence
			continue
		}
		flush()
		cur = sentence
	}
	flush()
	return out
}

func sentences(text string) []string {
	var ret []string
	prev := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		if s := strings.TrimSpace(text[prev:loc[1]]); s != "" {
			ret = append(ret, s)
		}
		prev = loc[1]
	}
	if s := strings.TrimSpace(text[prev:]); s != "" {
		ret = append(ret, s)
	}
	return ret
}

func splitWords(sentence string, maxChars int) []string {
	var out []string
	var cur string
	for _, word := range strings.Fields(sentence) {
		switch {
		case cur == "":
			cur = word
		case utf8.RuneCountInString(cur)+1+utf8.RuneCountInString(word) <= maxChars:
			cur += " " + word
		default:
			out = append(out, cur)
			cur = word
		}
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}
