package textutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollapseSpace(t *testing.T) {
	assert.Equal(t, "login is broken", CollapseSpace("  login \t is\n\nbroken "))
	assert.Equal(t, "", CollapseSpace(" \n "))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcd...", Truncate("abcdefghij", 7))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "acme corp", Key("  ACME, Corp. "))
	assert.Equal(t, Key("Acme-Corp"), Key("acme corp"))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"login", "broken", "acme", "login"}, Tokenize("The login is broken at Acme; login!"))
	assert.Empty(t, Tokenize("a an the"))
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"acme", "", 4},
		{"acme", "ACME", 0},
		{"kitten", "sitting", 3},
		{"globex", "globx", 1},
		{"Café", "cafe", 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Levenshtein(tt.a, tt.b), "%q vs %q", tt.a, tt.b)
	}
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("", ""))
	assert.Equal(t, 1.0, Similarity("acme corp", "acme corp"))
	assert.InDelta(t, 0.777, Similarity("acme corp", "acme crop"), 0.001)
	assert.Less(t, Similarity("acme", "globex"), 0.5)
}

func TestJaccard(t *testing.T) {
	assert.Equal(t, 1.0, Jaccard("", ""))
	assert.Equal(t, 1.0, Jaccard("Prioritize the Acme outage", "acme outage prioritize"))
	assert.InDelta(t, 0.5, Jaccard("fix login", "fix billing login export"), 0.001)
	assert.Equal(t, 0.0, Jaccard("ship it", "delay launch"))
}
