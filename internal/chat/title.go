package chat

import "strings"

const titleMaxRunes = 50

// GenerateTitle derives a conversation title from the first user message:
// whitespace is collapsed and long text is cut to 47 runes plus "...".
func GenerateTitle(message string) string {
	cleaned := strings.Join(strings.Fields(message), " ")
	runes := []rune(cleaned)
	if len(runes) <= titleMaxRunes {
		return cleaned
	}
	return string(runes[:titleMaxRunes-3]) + "..."
}
