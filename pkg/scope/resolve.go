package scope

import "sort"

// Scoped is implemented by rows that can be deduplicated by name across
// scope levels.
type Scoped interface {
	ScopeName() string
	ScopeOwner() (targetID, userUsername *string)
}

// Specificity counts the non-null ownership columns of a row: 0 for global,
// 1 for target-wide, 2 for a target user.
func Specificity(row Scoped) int {
	targetID, userUsername := row.ScopeOwner()
	n := 0
	if targetID != nil {
		n++
	}
	if userUsername != nil {
		n++
	}
	return n
}

// ResolveSecretScope keeps one row per name, the most specific one present.
//
// Rows are stably sorted by ascending specificity and written into a
// name-keyed map in that order, so later (more specific) rows overwrite
// earlier ones and equal specificity keeps input order. The result lists
// names in the order they first appear in the sorted sequence.
func ResolveSecretScope[T Scoped](rows []T) []T {
	sorted := make([]T, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return Specificity(sorted[i]) < Specificity(sorted[j])
	})

	byName := make(map[string]int, len(sorted))
	var out []T
	for _, row := range sorted {
		name := row.ScopeName()
		if idx, ok := byName[name]; ok {
			out[idx] = row
			continue
		}
		byName[name] = len(out)
		out = append(out, row)
	}
	return out
}
