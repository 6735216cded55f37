// Package scope decides which stored rows are visible to a caller.
//
// Every scoped table carries two ownership columns, target_id and
// user_username. A row with both NULL is global, a row with only target_id
// set is target-wide and a row with both set belongs to one user of one
// target. The functions here are the only place that turns a caller's
// tenancy context into SQL predicates or merge decisions; repositories never
// build scope predicates themselves.
package scope

import "strings"

// Column names shared by every scoped table.
const (
	TargetColumn = "target_id"
	UserColumn   = "user_username"
)

// Ref is one dimension of a Filter.
//
// The zero value leaves the dimension unconstrained. Null requires the
// column to be NULL and ID requires it to equal a value.
type Ref struct {
	constrained bool
	value       *string
}

// Null returns a Ref that matches only NULL columns.
func Null() Ref {
	return Ref{constrained: true}
}

// ID returns a Ref that matches columns equal to id.
func ID(id string) Ref {
	return Ref{constrained: true, value: &id}
}

// Constrained reports whether the Ref restricts its column at all.
func (r Ref) Constrained() bool {
	return r.constrained
}

// Value returns the id and true when the Ref names a concrete value.
func (r Ref) Value() (string, bool) {
	if r.value == nil {
		return "", false
	}
	return *r.value, true
}

// Ptr returns the concrete value or nil. Unconstrained and Null both map
// to nil, which is how a create writes ownership columns.
func (r Ref) Ptr() *string {
	if r.value == nil {
		return nil
	}
	v := *r.value
	return &v
}

// Filter identifies the tenancy context of an operation. A nil *Filter means
// no scoping was requested (the global administrative view).
type Filter struct {
	TargetID     Ref
	UserUsername Ref
}

// Global returns the filter for exactly the global level.
func Global() *Filter {
	return &Filter{TargetID: Null(), UserUsername: Null()}
}

// Target returns the filter for the target-wide level of targetID.
func Target(targetID string) *Filter {
	return &Filter{TargetID: ID(targetID), UserUsername: Null()}
}

// User returns the filter for one user of one target.
func User(targetID, username string) *Filter {
	return &Filter{TargetID: ID(targetID), UserUsername: ID(username)}
}

// String renders the filter for logs, e.g. "target=openclaw user=ash_agent".
func (f *Filter) String() string {
	if f == nil {
		return "all"
	}
	var b strings.Builder
	b.WriteString("target=")
	b.WriteString(refString(f.TargetID))
	b.WriteString(" user=")
	b.WriteString(refString(f.UserUsername))
	return b.String()
}

func refString(r Ref) string {
	if !r.constrained {
		return "*"
	}
	if v, ok := r.Value(); ok {
		return v
	}
	return "null"
}

// Tautology is the clause returned when no scoping applies.
const Tautology = "1=1"

// BuildScopeWhere returns an exact-match clause for f.
//
// A nil filter matches everything. Each constrained dimension adds either
// "col IS NULL" or "col = ?"; the conditions are ANDed.
func BuildScopeWhere(f *Filter) (string, []any) {
	if f == nil {
		return Tautology, nil
	}

	var conditions []string
	var params []any

	for _, dim := range []struct {
		column string
		ref    Ref
	}{
		{TargetColumn, f.TargetID},
		{UserColumn, f.UserUsername},
	} {
		if !dim.ref.constrained {
			continue
		}
		if v, ok := dim.ref.Value(); ok {
			conditions = append(conditions, dim.column+" = ?")
			params = append(params, v)
		} else {
			conditions = append(conditions, dim.column+" IS NULL")
		}
	}

	if len(conditions) == 0 {
		return Tautology, nil
	}
	return strings.Join(conditions, " AND "), params
}

// ConfigScopeLevels returns the scope levels whose config rows contribute
// to f, least specific first. The global level is always present; the
// target level follows when f names a target and the user level follows
// when f names both a target and a user.
func ConfigScopeLevels(f *Filter) []Filter {
	levels := []Filter{*Global()}
	if f == nil {
		return levels
	}

	targetID, hasTarget := f.TargetID.Value()
	if !hasTarget {
		return levels
	}
	levels = append(levels, *Target(targetID))

	if username, hasUser := f.UserUsername.Value(); hasUser {
		levels = append(levels, *User(targetID, username))
	}
	return levels
}

// Row is a column-name to value map of one config row. A nil value means
// the row defers that column to a less specific level.
type Row map[string]any

// MergeConfigRows folds rows ordered least to most specific into one.
//
// A non-nil value in a more specific row overrides; a nil value never
// clears what a less specific row set. Returns nil for empty input.
func MergeConfigRows(rows []Row) Row {
	if len(rows) == 0 {
		return nil
	}

	merged := make(Row, len(rows[0]))
	for k, v := range rows[0] {
		merged[k] = v
	}
	for _, row := range rows[1:] {
		for k, v := range row {
			if v == nil {
				if _, seen := merged[k]; !seen {
					merged[k] = nil
				}
				continue
			}
			merged[k] = v
		}
	}
	return merged
}

// BuildPolicyScopeWhere returns the union clause for inherited visibility:
// global rows, plus target-wide rows when f names a target, plus the
// caller's own rows when f names a target and a user.
//
// A nil filter matches everything. Ordering among the returned rows is the
// caller's concern.
func BuildPolicyScopeWhere(f *Filter) (string, []any) {
	if f == nil {
		return Tautology, nil
	}

	predicates := []string{"(" + TargetColumn + " IS NULL AND " + UserColumn + " IS NULL)"}
	var params []any

	if targetID, ok := f.TargetID.Value(); ok {
		predicates = append(predicates, "("+TargetColumn+" = ? AND "+UserColumn+" IS NULL)")
		params = append(params, targetID)

		if username, ok := f.UserUsername.Value(); ok {
			predicates = append(predicates, "("+TargetColumn+" = ? AND "+UserColumn+" = ?)")
			params = append(params, targetID, username)
		}
	}

	return "(" + strings.Join(predicates, " OR ") + ")", params
}
