package search

import "strings"

// chunkSeparator marks a preferred cut point inside oversized messages.
var chunkSeparator = strings.Repeat("-", 50)

// DefaultChunkLength is the largest message the chat runtime accepts in one
// send.
const DefaultChunkLength = 4000

// SplitByLength splits text into chunks of at most maxLength runes of bytes,
// preferring to cut just after a separator line when one falls in the second
// half of the window.
func SplitByLength(text string, maxLength int) []string {
	if maxLength <= 0 {
		maxLength = DefaultChunkLength
	}
	if len(text) <= maxLength {
		return []string{text}
	}

	var parts []string
	for text != "" {
		if len(text) <= maxLength {
			parts = append(parts, text)
			break
		}

		cut := maxLength
		if idx := strings.LastIndex(text[:maxLength], chunkSeparator); idx != -1 && idx > maxLength/2 {
			cut = idx + len(chunkSeparator)
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
	}
	return parts
}
