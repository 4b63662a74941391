package tts

import (
	"regexp"
	"strings"
)

func normalizeTextForTTS(text string) string {
	text = removeMarkdown(text)
	text = removeEmojiRegex.ReplaceAllString(text, "")
	text = multipleSpacesRegex.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

var markdownReplacer = strings.NewReplacer(
	"**", "", // bold
	"__", "", // underline
	"~~", "", // strikethrough
	"*", "", // italic
	"`", "", // inline code
	"#", "",
)

func removeMarkdown(text string) string {
	return markdownReplacer.Replace(text)
}

// truncateText cuts text to at most max runes.
func truncateText(text string, max int) (string, bool) {
	if max <= 0 || len(text) <= max {
		return text, false
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text, false
	}
	return string(runes[:max]), true
}

var (
	removeEmojiRegex    = regexp.MustCompile(`[^\p{L}\p{N}\p{P}\p{Z}\s]`)
	multipleSpacesRegex = regexp.MustCompile(`\s+`)
)
