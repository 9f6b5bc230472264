package quality

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Issue names a single quality problem.
type Issue string

const (
	IssueEmpty            Issue = "empty"
	IssueIncomplete       Issue = "incomplete_sentence"
	IssueTrailingFragment Issue = "trailing_fragment"
	IssueRepetitiveWords  Issue = "repetitive_words"
	IssueRepetitiveNGrams Issue = "repetitive_trigrams"
	IssueInconsistentCaps Issue = "inconsistent_capitalization"
	IssueAbruptEnding     Issue = "abrupt_ending"
	IssueTooLong          Issue = "too_long"
)

var issuePenalty = map[Issue]float64{
	IssueIncomplete:       0.35,
	IssueTrailingFragment: 0.2,
	IssueRepetitiveWords:  0.2,
	IssueRepetitiveNGrams: 0.2,
	IssueInconsistentCaps: 0.1,
	IssueAbruptEnding:     0.2,
	IssueTooLong:          0.15,
}

type Thresholds struct {
	MaxSentences         int
	MaxChars             int
	MinWordUniqueness    float64 // unique words / total words
	MinTrigramUniqueness float64 // unique 3-grams / total 3-grams
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxSentences:         2,
		MaxChars:             200,
		MinWordUniqueness:    0.5,
		MinTrigramUniqueness: 0.7,
	}
}

type Assessment struct {
	Score             float64 `json:"score"`
	Chars             int     `json:"chars"`
	Sentences         int     `json:"sentences"`
	WordUniqueness    float64 `json:"word_uniqueness"`
	TrigramUniqueness float64 `json:"trigram_uniqueness"`
	Issues            []Issue `json:"issues,omitempty"`
}

// Acceptable is true when no issue was found.
func (a Assessment) Acceptable() bool {
	return len(a.Issues) == 0
}

func (a Assessment) Has(issue Issue) bool {
	for _, i := range a.Issues {
		if i == issue {
			return true
		}
	}
	return false
}

// Assessor scores candidate replies. It is pure and safe for concurrent use.
type Assessor struct {
	t Thresholds
}

func NewAssessor(t Thresholds) *Assessor {
	return &Assessor{t: t}
}

func (a *Assessor) Thresholds() Thresholds {
	return a.t
}

func (a *Assessor) Assess(text string) Assessment {
	text = strings.TrimSpace(text)
	result := Assessment{
		Chars:             utf8.RuneCountInString(text),
		WordUniqueness:    1,
		TrigramUniqueness: 1,
	}
	if text == "" {
		result.Issues = []Issue{IssueEmpty}
		return result
	}

	result.Sentences = countSentences(text)

	if !IsComplete(text) {
		result.Issues = append(result.Issues, IssueIncomplete)
	}
	if hasTrailingFragment(text) {
		result.Issues = append(result.Issues, IssueTrailingFragment)
	}

	ws := words(text)
	if len(ws) >= 8 {
		result.WordUniqueness = uniqueRatio(ws)
		if result.WordUniqueness < a.t.MinWordUniqueness {
			result.Issues = append(result.Issues, IssueRepetitiveWords)
		}
	}
	if grams := trigrams(ws); len(grams) >= 5 {
		result.TrigramUniqueness = uniqueRatio(grams)
		if result.TrigramUniqueness < a.t.MinTrigramUniqueness {
			result.Issues = append(result.Issues, IssueRepetitiveNGrams)
		}
	}

	if inconsistentCapitalization(text) {
		result.Issues = append(result.Issues, IssueInconsistentCaps)
	}
	if abruptEnding(text) {
		result.Issues = append(result.Issues, IssueAbruptEnding)
	}
	if result.Chars > a.t.MaxChars || result.Sentences > a.t.MaxSentences {
		result.Issues = append(result.Issues, IssueTooLong)
	}

	result.Score = 1
	for _, issue := range result.Issues {
		result.Score -= issuePenalty[issue]
	}
	if result.Score < 0 {
		result.Score = 0
	}
	return result
}

// asciiEmoticons count as expressive endings.
var asciiEmoticons = []string{":)", ":(", ":D", ":P", ":p", ";)", ":3", "<3", "^^", "^_^", "xD", "XD", ":o", ":O", "~", "♪"}

// IsComplete reports whether text ends a sentence: terminal punctuation
// (optionally followed by closing quotes or emphasis) or an expressive symbol.
func IsComplete(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	if EndsExpressive(text) || endsWithAction(text) {
		return true
	}
	trimmed := strings.TrimRight(text, closers)
	if trimmed == "" {
		return false
	}
	last, _ := utf8.DecodeLastRuneInString(trimmed)
	return strings.ContainsRune(terminators, last)
}

// EndsExpressive reports an emoji or emoticon ending.
func EndsExpressive(text string) bool {
	text = strings.TrimSpace(text)
	for _, e := range asciiEmoticons {
		if strings.HasSuffix(text, e) {
			return true
		}
	}
	last, _ := utf8.DecodeLastRuneInString(text)
	// variation selectors and joiners trail many emoji
	for last == '\uFE0F' || last == '\u200D' {
		text = text[:len(text)-utf8.RuneLen(last)]
		last, _ = utf8.DecodeLastRuneInString(text)
	}
	return unicode.Is(unicode.So, last) || isEmojiRange(last)
}

// endsWithAction matches a closed roleplay action such as "*smiles*".
func endsWithAction(text string) bool {
	return strings.HasSuffix(text, "*") && !strings.HasSuffix(text, "**") && strings.Count(text, "*")%2 == 0
}

func isEmojiRange(r rune) bool {
	return (r >= 0x1F300 && r <= 0x1FAFF) || (r >= 0x2600 && r <= 0x27BF)
}

// danglingWords rarely end a finished sentence.
var danglingWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true,
	"to": true, "of": true, "with": true, "for": true, "in": true, "on": true,
	"at": true, "because": true, "so": true, "if": true, "my": true, "your": true,
	"i": true, "we": true, "that": true, "which": true, "is": true, "are": true,
}

func hasTrailingFragment(text string) bool {
	if IsComplete(text) {
		return false
	}
	ws := words(text)
	if len(ws) == 0 {
		return false
	}
	return danglingWords[ws[len(ws)-1]] || len(ws) == 1
}

func abruptEnding(text string) bool {
	last, _ := utf8.DecodeLastRuneInString(text)
	if strings.ContainsRune(",:;-–—(", last) {
		return true
	}
	// unbalanced emphasis or quotes, cut off mid-action
	return strings.Count(text, "*")%2 == 1 || strings.Count(text, `"`)%2 == 1
}

// inconsistentCapitalization flags replies that mix capitalized and
// lowercase sentence starts roughly evenly. All-lowercase styling is fine.
func inconsistentCapitalization(text string) bool {
	starts := sentenceStarts(text)
	if len(starts) < 3 {
		return false
	}
	lower := 0
	for _, r := range starts {
		if unicode.IsLower(r) {
			lower++
		}
	}
	ratio := float64(lower) / float64(len(starts))
	return ratio > 0.3 && ratio < 0.7
}

func uniqueRatio(items []string) float64 {
	if len(items) == 0 {
		return 1
	}
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		seen[it] = struct{}{}
	}
	return float64(len(seen)) / float64(len(items))
}

func trigrams(ws []string) []string {
	if len(ws) < 3 {
		return nil
	}
	grams := make([]string, 0, len(ws)-2)
	for i := 0; i+2 < len(ws); i++ {
		grams = append(grams, ws[i]+" "+ws[i+1]+" "+ws[i+2])
	}
	return grams
}
