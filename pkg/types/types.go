// Package types defines the core data structures for the Conclave knowledge
// store: facts, entities, merges, and council sessions. These are the values
// that flow between the store, the indexer, the ingestion gateway, and the
// council, and they are the records written to the persistence layer.
package types

import (
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	// ErrValidation indicates a malformed request. Nothing was applied.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates that the requested fact, entity, or session does
	// not exist.
	ErrNotFound = errors.New("not found")
)

// IsValidation reports whether err is (or wraps) ErrValidation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// normalizeSet lower-cases, trims, de-duplicates, and sorts a string set.
// Empty members are dropped.
func normalizeSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// NormalizeTags returns the canonical form of a theme/tag set.
func NormalizeTags(tags []string) []string {
	return normalizeSet(tags)
}
