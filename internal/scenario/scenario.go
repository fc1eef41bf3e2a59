// Package scenario describes the story setting a session runs in and
// scores the importance of new content for it.
package scenario

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
)

// Profile is the scenario capability consumed by sessions. Swapping
// scenarios is a matter of passing a different Profile.
type Profile struct {
	Name         string             `json:"name"`
	Description  string             `json:"description"`
	ScoringHints map[string]float64 `json:"scoring_hints,omitempty"` // keyword -> importance adjustment
}

// Prompt renders the profile as a system prompt.
func (p Profile) Prompt() string {
	switch {
	case p.Name == "" && p.Description == "":
		return ""
	case p.Description == "":
		return "Scenario: " + p.Name
	case p.Name == "":
		return p.Description
	}
	return fmt.Sprintf("Scenario: %s\n\n%s", p.Name, p.Description)
}

// Base importance by message role.
var roleBase = map[string]float64{
	"user":      0.5,
	"assistant": 0.6,
	"system":    0.7,
}

// Scorer assigns importance to new log content.
type Scorer struct {
	profile Profile
	hints   map[string]float64
	keys    []string
}

// NewScorer creates a scorer for profile. Hint keywords match whole words,
// case-insensitively; multi-word hints match as phrases.
func NewScorer(p Profile) *Scorer {
	hints := make(map[string]float64, len(p.ScoringHints))
	for k, w := range p.ScoringHints {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" && !math.IsNaN(w) {
			hints[k] = w
		}
	}
	keys := make([]string, 0, len(hints))
	for k := range hints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &Scorer{profile: p, hints: hints, keys: keys}
}

// Profile returns the scenario profile.
func (s *Scorer) Profile() Profile { return s.profile }

// Score returns the importance of content spoken by role, in [0, 1]. Each
// matching hint adds its weight once.
func (s *Scorer) Score(role, content string) float64 {
	score, ok := roleBase[role]
	if !ok {
		score = 0.5
	}
	if len(s.keys) > 0 {
		padded := " " + strings.Join(strings.FieldsFunc(strings.ToLower(content), notWordRune), " ") + " "
		for _, k := range s.keys {
			if strings.Contains(padded, " "+k+" ") {
				score += s.hints[k]
			}
		}
	}
	return min(1, max(0, score))
}

func notWordRune(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
}
