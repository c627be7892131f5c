// Package validation checks a turn's text against a room's rules.
package validation

import (
	"fmt"
	"strings"

	goahocorasick "github.com/anknown/ahocorasick"
	"github.com/samber/lo"
)

const (
	DefaultMaxWords       = 120
	DefaultMaxSentences   = 8
	DefaultRhymeThreshold = 0.4
)

type Rules struct {
	MaxWords       int
	MaxSentences   int
	ForbiddenWords []string
	// RhymeWith is the line the turn must rhyme with. Empty disables the check.
	RhymeWith      string
	RhymeThreshold float64
}

// DefaultRules are applied when a room leaves a rule unset.
var DefaultRules = Rules{
	MaxWords:       DefaultMaxWords,
	MaxSentences:   DefaultMaxSentences,
	RhymeThreshold: DefaultRhymeThreshold,
}

type Result struct {
	Accepted      bool
	Sanitized     string
	Violations    []string
	WordTotal     int
	SentenceTotal int
	Rhyme         *RhymeDetails
}

func (r Rules) withDefaults() Rules {
	if r.MaxWords <= 0 {
		r.MaxWords = DefaultMaxWords
	}
	if r.MaxSentences <= 0 {
		r.MaxSentences = DefaultMaxSentences
	}
	if r.RhymeThreshold <= 0 {
		r.RhymeThreshold = DefaultRhymeThreshold
	}
	return r
}

// Validate sanitizes text and reports every rule it breaks.
func Validate(text string, rules Rules) Result {
	rules = rules.withDefaults()

	sanitized := Sanitize(text)
	res := Result{
		Sanitized:     sanitized,
		Violations:    make([]string, 0),
		WordTotal:     len(strings.Fields(sanitized)),
		SentenceTotal: SentenceCount(sanitized),
	}

	if sanitized == "" {
		res.Violations = append(res.Violations, "Turn content is required.")
	}

	if res.WordTotal > rules.MaxWords {
		res.Violations = append(res.Violations, fmt.Sprintf("Turn exceeds the maximum of %d words.", rules.MaxWords))
	}

	if res.SentenceTotal > rules.MaxSentences {
		res.Violations = append(res.Violations, fmt.Sprintf("Turn exceeds the maximum of %d sentences.", rules.MaxSentences))
	}

	if word, ok := findForbidden(sanitized, rules.ForbiddenWords); ok {
		res.Violations = append(res.Violations, fmt.Sprintf("Turn contains a forbidden word: %s.", word))
	}

	if rules.RhymeWith != "" {
		rhyme := RhymeHeuristic(rules.RhymeWith, sanitized)
		res.Rhyme = &rhyme
		if rhyme.Score < rules.RhymeThreshold {
			res.Violations = append(res.Violations, "Turn does not appear to rhyme with the previous line.")
		}
	}

	res.Accepted = len(res.Violations) == 0
	return res
}

// findForbidden returns the earliest forbidden word that appears in text as
// a whole word, ignoring case.
func findForbidden(text string, forbidden []string) (string, bool) {
	words := lo.Uniq(lo.FilterMap(forbidden, func(w string, _ int) (string, bool) {
		w = strings.ToLower(strings.TrimSpace(w))
		return w, w != ""
	}))
	if len(words) == 0 || text == "" {
		return "", false
	}

	patterns := lo.Map(words, func(w string, _ int) []rune {
		return []rune(w)
	})

	m := new(goahocorasick.Machine)
	if err := m.Build(patterns); err != nil {
		return "", false
	}

	runes := []rune(strings.ToLower(text))
	best, found := -1, ""
	for _, term := range m.MultiPatternSearch(runes, false) {
		start, end := term.Pos, term.Pos+len(term.Word)
		if start > 0 && isWordRune(runes[start-1]) {
			continue
		}
		if end < len(runes) && isWordRune(runes[end]) {
			continue
		}
		if best == -1 || start < best {
			best, found = start, string(term.Word)
		}
	}

	return found, best >= 0
}
