// Package textutil holds the small text primitives shared by the gateway, the
// indexer, and the council: whitespace normalization, tokenization, alias
// keys, edit-distance similarity, and token-set overlap.
package textutil

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// stopwords are dropped from token streams. Kept short on purpose: facts are
// terse chat and ticket snippets.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "for": {}, "from": {}, "has": {}, "have": {}, "in": {},
	"is": {}, "it": {}, "its": {}, "of": {}, "on": {}, "or": {}, "that": {},
	"the": {}, "this": {}, "to": {}, "was": {}, "we": {}, "were": {}, "will": {},
	"with": {}, "what": {}, "should": {}, "do": {}, "does": {}, "our": {},
}

// CollapseSpace trims s and collapses every run of whitespace into a single
// space.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate shortens s to at most n runes, appending "..." when it cut.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// Key is the comparison form of a name or alias: lower case, punctuation
// removed, whitespace collapsed.
func Key(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

// Tokenize splits s into lower-case word tokens, dropping stop words and
// single-character tokens. Order and duplicates are preserved.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if utf8.RuneCountInString(f) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// TokenSet returns the distinct tokens of s.
func TokenSet(s string) map[string]struct{} {
	toks := Tokenize(s)
	set := make(map[string]struct{}, len(toks))
	for _, t := range toks {
		set[t] = struct{}{}
	}
	return set
}

// Jaccard is |a ∩ b| / |a ∪ b| over the token sets of two strings. Two empty
// sets are identical.
func Jaccard(a, b string) float64 {
	sa, sb := TokenSet(a), TokenSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 1
	}
	inter := 0
	for t := range sa {
		if _, ok := sb[t]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}

// Levenshtein returns the edit distance between a and b, compared rune-wise
// and case-insensitively.
func Levenshtein(a, b string) int {
	return fuzzy.LevenshteinDistance(strings.ToLower(a), strings.ToLower(b))
}

// Similarity maps edit distance onto [0,1], where 1 means identical.
func Similarity(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	return 1 - float64(Levenshtein(a, b))/float64(longest)
}
