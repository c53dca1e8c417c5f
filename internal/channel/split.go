package channel

import (
	"strings"
	"unicode/utf8"
)

// splitMessage cuts text into chunks of at most maxLen bytes, preferring
// newline and then space boundaries in the second half of a chunk. Chunks
// never split a UTF-8 sequence.
func splitMessage(text string, maxLen int) []string {
	var chunks []string
	for len(text) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if i := strings.LastIndexByte(text[:cut], '\n'); i >= maxLen/2 {
			cut = i + 1
		} else if i := strings.LastIndexByte(text[:cut], ' '); i >= maxLen/2 {
			cut = i + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
