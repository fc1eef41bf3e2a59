package memory

import (
	"sort"
	"strings"
)

// tagWords maps a content tag to the words that signal it.
var tagWords = map[string][]string{
	"combat":  {"fight", "battle", "combat", "attack"},
	"romance": {"love", "romance", "kiss", "hug", "affection"},
	"death":   {"death", "die", "dead", "kill", "murder"},
	"magic":   {"magic", "spell", "power", "ability"},
	"travel":  {"travel", "journey", "move", "go"},
	"mystery": {"secret", "hidden", "mystery"},
	"fear":    {"fear", "scared", "afraid", "terror"},
	"joy":     {"happy", "joy", "laugh", "smile"},
	"sadness": {"sad", "cry", "tears", "sorrow"},
	"anger":   {"angry", "rage", "fury", "mad"},
}

// wordTags is the inverted index of tagWords.
var wordTags = func() map[string]string {
	m := make(map[string]string)
	for tag, words := range tagWords {
		for _, w := range words {
			m[w] = tag
		}
	}
	return m
}()

// ExtractTags returns the sorted content tags whose signal words appear as
// whole words in content.
func ExtractTags(content string) []string {
	seen := make(map[string]struct{})
	for _, w := range tokenize(strings.ToLower(content)) {
		if tag, ok := wordTags[w]; ok {
			seen[tag] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// tokenize splits text into word tokens.
func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' ||
			r > 127) // keep CJK and other multibyte runes
	})
}

// normalizeSet trims, dedupes and sorts a set of identifiers.
func normalizeSet(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			seen[s] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// Union returns the sorted union of the given sets.
func Union(sets ...[]string) []string {
	var all []string
	for _, s := range sets {
		all = append(all, s...)
	}
	return normalizeSet(all)
}

// Intersects reports whether a and b share at least one element.
func Intersects(a, b []string) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := set[s]; ok {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
