package quality

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const ellipsis = "…"

// SmartTruncate shortens text to at most budget runes. It cuts after the last
// complete sentence that fits; when no sentence fits it cuts at a word
// boundary and appends an ellipsis. Reports whether text was changed.
func SmartTruncate(text string, budget int) (string, bool) {
	text = strings.TrimSpace(text)
	if budget <= 0 || utf8.RuneCountInString(text) <= budget {
		return text, false
	}

	limit := byteOffset(text, budget)

	if cut := lastSentenceEndBefore(text, limit); cut > 0 {
		return strings.TrimSpace(text[:cut]), true
	}

	// leave room for the ellipsis
	limit = byteOffset(text, budget-1)
	cut := strings.LastIndexFunc(text[:limit], unicode.IsSpace)
	if cut <= 0 {
		cut = limit
	}
	head := strings.TrimRightFunc(text[:cut], func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r) && r != '*'
	})
	if head == "" {
		head = text[:limit]
	}
	return head + ellipsis, true
}

// TrimToLastSentence drops a trailing fragment after the last complete
// sentence. Text without any complete sentence is returned unchanged.
func TrimToLastSentence(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if IsComplete(text) {
		return text, false
	}
	if cut := lastSentenceEndBefore(text, len(text)); cut > 0 {
		return strings.TrimSpace(text[:cut]), true
	}
	return text, false
}

func lastSentenceEndBefore(text string, limit int) int {
	best := 0
	for _, end := range sentenceEnds(text) {
		if end > limit {
			break
		}
		best = end
	}
	return best
}

// byteOffset converts a rune count into a byte offset within s.
func byteOffset(s string, runes int) int {
	if runes <= 0 {
		return 0
	}
	n := 0
	for i := range s {
		if n == runes {
			return i
		}
		n++
	}
	return len(s)
}
