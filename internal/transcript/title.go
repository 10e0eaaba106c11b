package transcript

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultTitle is used when no title can be derived from the first message.
const DefaultTitle = "New Chat"

const maxTitleLen = 30

var (
	questionWords = []string{
		"what", "how", "why", "when", "where", "who", "which",
		"can", "could", "would", "should", "is", "are", "do", "does",
	}
	fillerWords = []string{
		"i", "me", "my", "you", "your", "the", "a", "an", "to", "for",
		"in", "on", "at", "of", "with", "about", "please", "help",
	}
	titleStarters = []string{
		"can you ", "could you ", "please ", "i want ", "i need ",
		"help me ", "write ", "create ", "make ",
	}
)

// SmartTitle derives a short conversation title from the first message. Questions are reduced to the
// few words following the question word and its fillers; other messages keep their first sentence
// without a leading request phrase. Titles are cut at 30 characters.
func SmartTitle(content string) string {
	cleaned := strings.Join(strings.Fields(content), " ")
	words := strings.Split(strings.ToLower(cleaned), " ")

	if slices.Contains(questionWords, words[0]) && len(words) > 2 {
		start := 1
		for start < len(words) && slices.Contains(fillerWords, words[start]) {
			start++
		}

		orig := strings.Split(cleaned, " ")
		start = min(start, len(orig))
		key := strings.Join(orig[start:min(start+4, len(orig))], " ")
		if len([]rune(key)) > 3 {
			title := []rune(capitalize(key))
			if len(title) > maxTitleLen {
				return string(title[:maxTitleLen]) + "..."
			}
			return string(title)
		}
	}

	title := cleaned
	if i := strings.IndexAny(title, ".!?\n"); i >= 0 {
		title = title[:i]
	}
	for _, s := range titleStarters {
		if len(title) >= len(s) && strings.EqualFold(title[:len(s)], s) {
			title = title[len(s):]
			break
		}
	}
	title = capitalize(title)

	runes := []rune(title)
	if len(runes) > maxTitleLen {
		truncated := runes[:maxTitleLen]
		if lastSpace := lastIndexRune(truncated, ' '); lastSpace > 20 {
			return string(truncated[:lastSpace]) + "..."
		}
		return string(truncated) + "..."
	}

	if title == "" {
		return DefaultTitle
	}
	return title
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if size == 0 {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func lastIndexRune(runes []rune, target rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == target {
			return i
		}
	}
	return -1
}
