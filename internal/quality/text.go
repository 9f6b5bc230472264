package quality

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const terminators = ".!?…"

// closers may trail a terminator: `"Yes!"`, `(sure.)`, `*waves.*`
const closers = `"'”’)]*_~`

// sentenceEnds returns the byte offsets just past each sentence terminator
// (including trailing closers) that is followed by whitespace or the end.
func sentenceEnds(s string) []int {
	var ends []int
	for i, r := range s {
		if !strings.ContainsRune(terminators, r) {
			continue
		}
		j := i + utf8.RuneLen(r)
		for j < len(s) {
			next, size := utf8.DecodeRuneInString(s[j:])
			if strings.ContainsRune(terminators, next) || strings.ContainsRune(closers, next) {
				j += size
				continue
			}
			break
		}
		if j == len(s) {
			ends = append(ends, j)
			continue
		}
		if next, _ := utf8.DecodeRuneInString(s[j:]); unicode.IsSpace(next) {
			ends = append(ends, j)
		}
	}
	return dedupe(ends)
}

func dedupe(xs []int) []int {
	out := xs[:0]
	for i, x := range xs {
		if i == 0 || x != xs[i-1] {
			out = append(out, x)
		}
	}
	return out
}

func countSentences(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	ends := sentenceEnds(s)
	n := len(ends)
	if n == 0 || ends[n-1] < len(strings.TrimRight(s, " \n")) {
		n++ // trailing fragment
	}
	return n
}

// words lowercases and splits on anything that is not a letter, digit or apostrophe.
func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// sentenceStarts returns the first letter of each sentence.
func sentenceStarts(s string) []rune {
	var starts []rune
	prev := 0
	for _, end := range append(sentenceEnds(s), len(s)) {
		if end <= prev {
			continue
		}
		for _, r := range s[prev:end] {
			if unicode.IsLetter(r) {
				starts = append(starts, r)
				break
			}
			if unicode.IsDigit(r) {
				break
			}
		}
		prev = end
	}
	return starts
}
