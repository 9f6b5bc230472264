package quality

import (
	"regexp"
	"strings"
)

// reasoningPatterns match internal reasoning some models leak into replies.
var reasoningPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<reasoning>.*?</reasoning>`),
	regexp.MustCompile(`(?is)<reflection>.*?</reflection>`),
	regexp.MustCompile(`(?is)\[thinking\].*?\[/thinking\]`),
	regexp.MustCompile(`(?is)\[(?:internal|ooc|note to self)\s*:[^\]]*\]`),
	regexp.MustCompile(`(?is)\(\s*(?:thinking|internal|ooc)\s*:[^)]*\)`),
	// unterminated block, the model ran out of tokens mid-thought
	regexp.MustCompile(`(?is)<(?:think|thinking|reasoning)>.*$`),
}

var (
	horizontalSpace = regexp.MustCompile(`[ \t\f\v]+`)
	extraNewlines   = regexp.MustCompile(`\n{3,}`)
	spaceAroundNL   = regexp.MustCompile(` *\n *`)
)

// StripReasoning removes reasoning artifacts and reports how many were stripped.
func StripReasoning(content string) (string, int) {
	count := 0
	for _, p := range reasoningPatterns {
		matches := p.FindAllStringIndex(content, -1)
		if len(matches) == 0 {
			continue
		}
		count += len(matches)
		content = p.ReplaceAllString(content, " ")
	}
	return content, count
}

// NormalizeWhitespace collapses runs of spaces, keeps at most one blank line
// between paragraphs and trims the ends.
func NormalizeWhitespace(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = horizontalSpace.ReplaceAllString(content, " ")
	content = spaceAroundNL.ReplaceAllString(content, "\n")
	content = extraNewlines.ReplaceAllString(content, "\n\n")
	return strings.TrimSpace(content)
}

// Clean is StripReasoning followed by NormalizeWhitespace.
func Clean(raw string) string {
	stripped, _ := StripReasoning(raw)
	return NormalizeWhitespace(stripped)
}
