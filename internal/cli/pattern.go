// Package cli holds helpers shared by the agenshield commands.
package cli

import (
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/agenshield/agenshield/pkg/store"
)

// IsPattern reports whether s contains glob metacharacters.
func IsPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// Match resolves pattern against candidates. A plain name must exist
// exactly; a glob must match at least one candidate. Matches keep the
// candidates' order.
func Match(pattern string, candidates []string) ([]string, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	if !IsPattern(pattern) {
		if slices.Contains(candidates, pattern) {
			return []string{pattern}, nil
		}
		return nil, fmt.Errorf("%q not found", pattern)
	}

	var matches []string
	for _, c := range candidates {
		// Only ErrBadPattern is possible and was checked above.
		if ok, _ := path.Match(pattern, c); ok {
			matches = append(matches, c)
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("nothing matches %q", pattern)
	}
	return matches, nil
}

// MatchAll resolves several patterns and returns the union without
// duplicates, in order of first match.
func MatchAll(patterns, candidates []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, p := range patterns {
		matches, err := Match(p, candidates)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out, nil
}

// SecretNames lists the names of secrets, sorted and deduplicated.
func SecretNames(secrets []*store.Secret) []string {
	names := make([]string, 0, len(secrets))
	for _, s := range secrets {
		names = append(names, s.Name)
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// PolicyIDs lists the ids of policies in their given order.
func PolicyIDs(policies []*store.Policy) []string {
	ids := make([]string, 0, len(policies))
	for _, p := range policies {
		ids = append(ids, p.ID)
	}
	return ids
}
