package validation

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	sentenceBreak = regexp.MustCompile(`[.!?]+`)
	rhymeWord     = regexp.MustCompile(`[a-zA-Z']+`)
)

// Sanitize applies NFKC normalization, replaces control characters with
// spaces and collapses runs of whitespace.
func Sanitize(input string) string {
	normalized := norm.NFKC.String(input)
	cleaned := strings.Map(func(r rune) rune {
		if r <= 0x1f || r == 0x7f {
			return ' '
		}
		return r
	}, normalized)
	return strings.Join(strings.Fields(cleaned), " ")
}

// WordCount counts space separated words after sanitizing input.
func WordCount(input string) int {
	return len(strings.Fields(Sanitize(input)))
}

// SentenceCount counts non-empty segments between sentence terminators.
func SentenceCount(input string) int {
	count := 0
	for _, segment := range sentenceBreak.Split(input, -1) {
		if strings.TrimSpace(segment) != "" {
			count++
		}
	}
	return count
}

// RhymeDetails scores how strongly a candidate line rhymes with a reference.
// Score is in [0, 1]; Fragment is the matched ending or empty.
type RhymeDetails struct {
	Score    float64 `json:"score"`
	Fragment string  `json:"fragment,omitempty"`
}

func lastWord(input string) string {
	words := rhymeWord.FindAllString(strings.ToLower(input), -1)
	if len(words) == 0 {
		return ""
	}
	return words[len(words)-1]
}

// rhymeFragment returns the word from its last vowel onwards.
func rhymeFragment(word string) string {
	runes := []rune(word)
	for i := len(runes) - 1; i >= 0; i-- {
		if strings.ContainsRune("aeiouy", runes[i]) {
			return string(runes[i:])
		}
	}
	if len(runes) <= 2 {
		return word
	}
	return string(runes[len(runes)-2:])
}

// RhymeHeuristic compares the endings of the last words of both lines.
func RhymeHeuristic(reference, candidate string) RhymeDetails {
	refWord := lastWord(Sanitize(reference))
	candWord := lastWord(Sanitize(candidate))
	if refWord == "" || candWord == "" {
		return RhymeDetails{}
	}

	ref := []rune(rhymeFragment(refWord))
	cand := []rune(rhymeFragment(candWord))

	overlap := 0
	for i := 0; i < min(len(ref), len(cand)); i++ {
		if ref[len(ref)-1-i] != cand[len(cand)-1-i] {
			break
		}
		overlap++
	}

	maxLength := max(len(ref), len(cand))
	if maxLength == 0 {
		return RhymeDetails{}
	}

	details := RhymeDetails{Score: float64(overlap) / float64(maxLength)}
	if overlap > 0 {
		details.Fragment = string(cand[len(cand)-overlap:])
	}
	return details
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\''
}
