// Package wake arms a speech engine and watches its transcripts for the wake
// phrase, restarting the engine when it ends on its own.
package wake

import (
	"strings"
	"unicode"
)

// Matcher decides whether a transcript contains the wake phrase. A match is
// either the trigger word followed by a target word with at most MaxGap
// tokens in between, or a run of up to three adjacent tokens whose
// concatenation is one of the compact forms ("hey q" and "heyq" both match).
type Matcher struct {
	Trigger      string
	Targets      []string
	CompactForms []string
	MaxGap       int
}

func DefaultMatcher() *Matcher {
	return &Matcher{
		Trigger:      "hey",
		Targets:      []string{"cue", "q", "queue", "cu", "kew", "kyu"},
		CompactForms: []string{"heycue", "heyq", "heyqueue", "hayq", "heykyu"},
		MaxGap:       3,
	}
}

// Normalize lowercases text, drops punctuation and symbols, and collapses
// whitespace.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			continue
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		default:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Match reports whether text contains the wake phrase and returns the words
// spoken after it.
func (m *Matcher) Match(text string) (bool, string) {
	tokens := strings.Fields(Normalize(text))
	if len(tokens) == 0 {
		return false, ""
	}
	trigger := Normalize(m.Trigger)
	targets := make(map[string]struct{}, len(m.Targets))
	for _, t := range m.Targets {
		targets[Normalize(t)] = struct{}{}
	}
	compact := make(map[string]struct{}, len(m.CompactForms))
	for _, c := range m.CompactForms {
		compact[strings.ReplaceAll(Normalize(c), " ", "")] = struct{}{}
	}

	for i, tok := range tokens {
		if tok == trigger {
			for j := i + 1; j < len(tokens) && j-i-1 <= m.MaxGap; j++ {
				if _, ok := targets[tokens[j]]; ok {
					return true, strings.Join(tokens[j+1:], " ")
				}
			}
		}
		joined := ""
		for w := 0; w < 3 && i+w < len(tokens); w++ {
			joined += tokens[i+w]
			if _, ok := compact[joined]; ok {
				return true, strings.Join(tokens[i+w+1:], " ")
			}
		}
	}
	return false, ""
}
