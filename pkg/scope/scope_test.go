package scope

import (
	"database/sql"
	"reflect"
	"sort"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func strPtr(s string) *string { return &s }

// scopedDB creates a table with one row per scope level.
func scopedDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(`CREATE TABLE items (name TEXT, target_id TEXT, user_username TEXT)`); err != nil {
		t.Fatalf("failed to create table: %v", err)
	}
	rows := []struct {
		name     string
		targetID *string
		username *string
	}{
		{"global", nil, nil},
		{"t1", strPtr("t1"), nil},
		{"t1-alice", strPtr("t1"), strPtr("alice")},
		{"t1-bob", strPtr("t1"), strPtr("bob")},
		{"t2", strPtr("t2"), nil},
		{"orphan-user", nil, strPtr("alice")},
	}
	for _, r := range rows {
		if _, err := db.Exec(`INSERT INTO items VALUES (?, ?, ?)`, r.name, r.targetID, r.username); err != nil {
			t.Fatalf("failed to insert %s: %v", r.name, err)
		}
	}
	return db
}

func selectNames(t *testing.T, db *sql.DB, clause string, params []any) []string {
	t.Helper()
	rows, err := db.Query(`SELECT name FROM items WHERE `+clause, params...)
	if err != nil {
		t.Fatalf("query %q failed: %v", clause, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func TestBuildScopeWhere(t *testing.T) {
	db := scopedDB(t)

	tests := []struct {
		name   string
		filter *Filter
		want   []string
	}{
		{"nil matches everything", nil, []string{"global", "orphan-user", "t1", "t1-alice", "t1-bob", "t2"}},
		{"empty filter matches everything", &Filter{}, []string{"global", "orphan-user", "t1", "t1-alice", "t1-bob", "t2"}},
		{"null target", &Filter{TargetID: Null()}, []string{"global", "orphan-user"}},
		{"global", Global(), []string{"global"}},
		{"target any user", &Filter{TargetID: ID("t1")}, []string{"t1", "t1-alice", "t1-bob"}},
		{"target wide", Target("t1"), []string{"t1"}},
		{"target user", User("t1", "alice"), []string{"t1-alice"}},
		{"user only", &Filter{UserUsername: ID("alice")}, []string{"orphan-user", "t1-alice"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clause, params := BuildScopeWhere(tt.filter)
			got := selectNames(t, db, clause, params)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("BuildScopeWhere(%s) matched %v, want %v", tt.filter, got, tt.want)
			}
		})
	}
}

func TestBuildScopeWhereNilIsTautology(t *testing.T) {
	clause, params := BuildScopeWhere(nil)
	if clause != Tautology {
		t.Errorf("clause = %q, want %q", clause, Tautology)
	}
	if len(params) != 0 {
		t.Errorf("params = %v, want none", params)
	}
}

func TestConfigScopeLevels(t *testing.T) {
	tests := []struct {
		name   string
		filter *Filter
		want   []Filter
	}{
		{"nil", nil, []Filter{*Global()}},
		{"global", Global(), []Filter{*Global()}},
		{"user without target", &Filter{UserUsername: ID("alice")}, []Filter{*Global()}},
		{"target", Target("t1"), []Filter{*Global(), *Target("t1")}},
		{"target user", User("t1", "alice"), []Filter{*Global(), *Target("t1"), *User("t1", "alice")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConfigScopeLevels(tt.filter)
			if len(got) != len(tt.want) {
				t.Fatalf("ConfigScopeLevels() returned %d levels, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].String() != tt.want[i].String() {
					t.Errorf("level %d = %s, want %s", i, got[i].String(), tt.want[i].String())
				}
			}
		})
	}
}

func TestMergeConfigRows(t *testing.T) {
	if got := MergeConfigRows(nil); got != nil {
		t.Errorf("MergeConfigRows(nil) = %v, want nil", got)
	}

	got := MergeConfigRows([]Row{
		{"port": 5200, "host": "localhost", "logLevel": "info"},
		{"port": 6969, "host": nil, "logLevel": nil},
	})
	want := Row{"port": 6969, "host": "localhost", "logLevel": "info"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("two-level merge = %v, want %v", got, want)
	}
}

func TestMergeConfigRowsThreeLevels(t *testing.T) {
	got := MergeConfigRows([]Row{
		{"a": 1, "b": 2, "c": 3},
		{"a": nil, "b": 20, "c": nil},
		{"a": nil, "b": nil, "c": 300},
	})
	want := Row{"a": 1, "b": 20, "c": 300}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("three-level merge = %v, want %v", got, want)
	}
}

func TestMergeConfigRowsDoesNotMutateInput(t *testing.T) {
	base := Row{"a": 1}
	MergeConfigRows([]Row{base, {"a": 2}})
	if base["a"] != 1 {
		t.Errorf("base row mutated: %v", base)
	}
}

func TestBuildPolicyScopeWhere(t *testing.T) {
	db := scopedDB(t)

	tests := []struct {
		name   string
		filter *Filter
		want   []string
	}{
		{"nil matches everything", nil, []string{"global", "orphan-user", "t1", "t1-alice", "t1-bob", "t2"}},
		{"global", Global(), []string{"global"}},
		{"target unions global", Target("t1"), []string{"global", "t1"}},
		{"target user unions all levels", User("t1", "alice"), []string{"global", "t1", "t1-alice"}},
		{"other target", Target("t2"), []string{"global", "t2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clause, params := BuildPolicyScopeWhere(tt.filter)
			got := selectNames(t, db, clause, params)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("BuildPolicyScopeWhere(%s) matched %v, want %v", tt.filter, got, tt.want)
			}
		})
	}
}

type testSecret struct {
	name     string
	targetID *string
	username *string
	value    string
}

func (s testSecret) ScopeName() string              { return s.name }
func (s testSecret) ScopeOwner() (*string, *string) { return s.targetID, s.username }

func TestResolveSecretScope(t *testing.T) {
	rows := []testSecret{
		{name: "DB_URL", value: "base"},
		{name: "DB_URL", targetID: strPtr("t1"), value: "target"},
		{name: "API_KEY", value: "global"},
	}

	got := ResolveSecretScope(rows)
	if len(got) != 2 {
		t.Fatalf("ResolveSecretScope() returned %d rows, want 2", len(got))
	}

	values := map[string]string{}
	for _, r := range got {
		values[r.name] = r.value
	}
	if values["DB_URL"] != "target" {
		t.Errorf("DB_URL resolved to %q, want %q", values["DB_URL"], "target")
	}
	if values["API_KEY"] != "global" {
		t.Errorf("API_KEY resolved to %q, want %q", values["API_KEY"], "global")
	}
}

func TestResolveSecretScopeMostSpecificWinsRegardlessOfOrder(t *testing.T) {
	rows := []testSecret{
		{name: "TOKEN", targetID: strPtr("t1"), username: strPtr("alice"), value: "user"},
		{name: "TOKEN", targetID: strPtr("t1"), value: "target"},
		{name: "TOKEN", value: "global"},
	}

	got := ResolveSecretScope(rows)
	if len(got) != 1 || got[0].value != "user" {
		t.Fatalf("ResolveSecretScope() = %+v, want single user-level row", got)
	}
}

func TestResolveSecretScopeTieKeepsLast(t *testing.T) {
	rows := []testSecret{
		{name: "X", targetID: strPtr("t1"), value: "first"},
		{name: "X", targetID: strPtr("t2"), value: "second"},
	}

	got := ResolveSecretScope(rows)
	if len(got) != 1 || got[0].value != "second" {
		t.Fatalf("ResolveSecretScope() = %+v, want the later row at equal specificity", got)
	}
}

func TestResolveSecretScopeEmpty(t *testing.T) {
	if got := ResolveSecretScope([]testSecret{}); len(got) != 0 {
		t.Errorf("ResolveSecretScope(empty) = %v, want empty", got)
	}
}
