package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/agenshield/agenshield/pkg/scope"
)

// PolicyAction is what happens when a policy matches.
type PolicyAction string

const (
	ActionAllow    PolicyAction = "allow"
	ActionDeny     PolicyAction = "deny"
	ActionApproval PolicyAction = "approval"
)

// PolicyTarget is the kind of resource a policy's patterns describe.
type PolicyTarget string

const (
	TargetCommand    PolicyTarget = "command"
	TargetURL        PolicyTarget = "url"
	TargetFilesystem PolicyTarget = "filesystem"
	TargetSkill      PolicyTarget = "skill"
	TargetProcess    PolicyTarget = "process"
	TargetNetwork    PolicyTarget = "network"
)

// NetworkAccess is the egress mode granted to commands a policy allows.
type NetworkAccess string

const (
	NetworkNone   NetworkAccess = "none"
	NetworkProxy  NetworkAccess = "proxy"
	NetworkDirect NetworkAccess = "direct"
)

// Policy is a stored allow/deny/approval rule.
type Policy struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Action        PolicyAction  `json:"action"`
	Target        PolicyTarget  `json:"target"`
	Patterns      []string      `json:"patterns"`
	Enabled       bool          `json:"enabled"`
	Priority      *int          `json:"priority,omitempty"`
	Operations    []string      `json:"operations,omitempty"`
	Preset        string        `json:"preset,omitempty"`
	ScopeMeta     string        `json:"scopeMeta,omitempty"`
	NetworkAccess NetworkAccess `json:"networkAccess,omitempty"`
	TargetID      *string       `json:"targetId,omitempty"`
	UserUsername  *string       `json:"userUsername,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// PolicyInput is the payload of Create. Enabled defaults to true and ID to a
// fresh UUID.
type PolicyInput struct {
	ID            string
	Name          string
	Action        PolicyAction
	Target        PolicyTarget
	Patterns      []string
	Enabled       *bool
	Priority      *int
	Operations    []string
	Preset        string
	ScopeMeta     string
	NetworkAccess NetworkAccess
}

// PolicyPatch lists the fields Update changes. Nil fields are left alone.
type PolicyPatch struct {
	Name          *string
	Action        *PolicyAction
	Target        *PolicyTarget
	Patterns      *[]string
	Enabled       *bool
	Priority      *int
	ClearPriority bool
	// Operations set to a pointer to nil clears the column.
	Operations    *[]string
	ScopeMeta     *string
	NetworkAccess *NetworkAccess
}

// PolicyRepository reads and writes policies for one scope.
//
// Reads see the bound level plus every less specific level. Writes touch
// only rows at exactly the bound level, so inherited policies are read-only
// from a narrower scope.
type PolicyRepository struct {
	base
}

const policyColumns = `id, target_id, user_username, name, action, target, patterns, enabled,
	priority, operations, preset, scope_meta, network_access, created_at, updated_at`

const policyOrder = ` ORDER BY priority DESC, name ASC, id ASC`

func scanPolicy(row rowScanner) (*Policy, error) {
	var (
		p                          Policy
		targetID, username         sql.NullString
		patterns, operations       sql.NullString
		preset, scopeMeta, network sql.NullString
		priority                   sql.NullInt64
		enabled                    int
		createdAt, updatedAt       string
	)
	err := row.Scan(&p.ID, &targetID, &username, &p.Name, &p.Action, &p.Target, &patterns, &enabled,
		&priority, &operations, &preset, &scopeMeta, &network, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	p.TargetID = nullString(targetID)
	p.UserUsername = nullString(username)
	p.Enabled = enabled != 0
	if priority.Valid {
		v := int(priority.Int64)
		p.Priority = &v
	}
	p.Preset = preset.String
	p.ScopeMeta = scopeMeta.String
	p.NetworkAccess = NetworkAccess(network.String)

	if p.Patterns, err = decodeList("patterns", patterns); err != nil {
		return nil, err
	}
	if p.Patterns == nil {
		p.Patterns = []string{}
	}
	if p.Operations, err = decodeList("operations", operations); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PolicyRepository) query(q querier, where string, args []any, suffix string) ([]*Policy, error) {
	rows, err := q.Query("SELECT "+policyColumns+" FROM policies WHERE "+where+suffix, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
	Exec(query string, args ...any) (sql.Result, error)
}

func (r *PolicyRepository) getOne(q querier, where string, args []any) (*Policy, error) {
	list, err := r.query(q, where, args, " LIMIT 1")
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

// visible returns the read predicate ANDed with extra.
func (r *PolicyRepository) visible(extra string, args ...any) (string, []any) {
	clause, params := scope.BuildPolicyScopeWhere(r.scope)
	return clause + " AND " + extra, append(params, args...)
}

// exact returns the write predicate ANDed with extra.
func (r *PolicyRepository) exact(extra string, args ...any) (string, []any) {
	clause, params := scope.BuildScopeWhere(r.scope)
	return clause + " AND " + extra, append(params, args...)
}

func (r *PolicyRepository) prepare(in PolicyInput) (PolicyInput, error) {
	in.Name = normalizeName(in.Name)
	if err := validateName("name", in.Name); err != nil {
		return in, err
	}
	if in.ID != "" {
		if err := validateID("id", in.ID); err != nil {
			return in, err
		}
	}
	if err := validateAction(in.Action); err != nil {
		return in, err
	}
	if err := validateTarget(in.Target); err != nil {
		return in, err
	}
	if err := validatePatterns(in.Patterns); err != nil {
		return in, err
	}
	if err := validateOperations(in.Operations); err != nil {
		return in, err
	}
	if err := validateScopeMeta(in.ScopeMeta); err != nil {
		return in, err
	}
	if err := validateNetworkAccess(in.NetworkAccess); err != nil {
		return in, err
	}
	return in, nil
}

func (r *PolicyRepository) insert(q querier, in PolicyInput) (string, error) {
	id := in.ID
	if id == "" {
		id = r.newID()
	}
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	patterns, err := encodeList(in.Patterns)
	if err != nil {
		return "", err
	}
	operations, err := encodeOptionalList(in.Operations)
	if err != nil {
		return "", err
	}
	targetID, username := r.owner()
	now := r.timestamp()

	_, err = q.Exec(`
		INSERT INTO policies (`+policyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, targetID, username, in.Name, in.Action, in.Target, patterns, boolToInt(enabled),
		in.Priority, operations, optionalString(in.Preset), optionalString(in.ScopeMeta),
		optionalString(string(in.NetworkAccess)), now, now,
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// Create validates and inserts a policy at the bound scope level.
func (r *PolicyRepository) Create(in PolicyInput) (*Policy, error) {
	in, err := r.prepare(in)
	if err != nil {
		return nil, err
	}

	id, err := r.insert(r.db, in)
	if err != nil {
		return nil, wrapErr("create policy", err)
	}

	p, err := r.getOne(r.db, "id = ?", []any{id})
	if err != nil {
		return nil, wrapErr("create policy", err)
	}
	r.record("policy.create", id, map[string]any{"name": p.Name, "action": string(p.Action)})
	return p, nil
}

// GetByID returns the policy if it is visible to the bound scope, or nil.
func (r *PolicyRepository) GetByID(id string) (*Policy, error) {
	where, args := r.visible("id = ?", id)
	p, err := r.getOne(r.db, where, args)
	return p, wrapErr("get policy", err)
}

// GetAll returns every visible policy ordered by priority (highest first,
// unprioritised last) then name.
func (r *PolicyRepository) GetAll() ([]*Policy, error) {
	where, args := scope.BuildPolicyScopeWhere(r.scope)
	list, err := r.query(r.db, where, args, policyOrder)
	return list, wrapErr("list policies", err)
}

// GetEnabled is GetAll restricted to enabled policies.
func (r *PolicyRepository) GetEnabled() ([]*Policy, error) {
	where, args := r.visible("enabled = 1")
	list, err := r.query(r.db, where, args, policyOrder)
	return list, wrapErr("list enabled policies", err)
}

// GetByPreset returns the visible policies seeded from presetID.
func (r *PolicyRepository) GetByPreset(presetID string) ([]*Policy, error) {
	where, args := r.visible("preset = ?", presetID)
	list, err := r.query(r.db, where, args, policyOrder)
	return list, wrapErr("list preset policies", err)
}

// Count returns the number of visible policies.
func (r *PolicyRepository) Count() (int, error) {
	where, args := scope.BuildPolicyScopeWhere(r.scope)
	var n int
	err := r.db.QueryRow("SELECT COUNT(*) FROM policies WHERE "+where, args...).Scan(&n)
	return n, wrapErr("count policies", err)
}

// Update applies patch to a policy visible from the bound level. It returns
// nil when the policy is not visible.
func (r *PolicyRepository) Update(id string, patch PolicyPatch) (*Policy, error) {
	var u updateSet
	if patch.Name != nil {
		name := normalizeName(*patch.Name)
		if err := validateName("name", name); err != nil {
			return nil, err
		}
		u.set("name", name)
	}
	if patch.Action != nil {
		if err := validateAction(*patch.Action); err != nil {
			return nil, err
		}
		u.set("action", *patch.Action)
	}
	if patch.Target != nil {
		if err := validateTarget(*patch.Target); err != nil {
			return nil, err
		}
		u.set("target", *patch.Target)
	}
	if patch.Patterns != nil {
		if err := validatePatterns(*patch.Patterns); err != nil {
			return nil, err
		}
		encoded, err := encodeList(*patch.Patterns)
		if err != nil {
			return nil, err
		}
		u.set("patterns", encoded)
	}
	if patch.Enabled != nil {
		u.set("enabled", boolToInt(*patch.Enabled))
	}
	switch {
	case patch.ClearPriority:
		u.set("priority", nil)
	case patch.Priority != nil:
		u.set("priority", *patch.Priority)
	}
	if patch.Operations != nil {
		if err := validateOperations(*patch.Operations); err != nil {
			return nil, err
		}
		encoded, err := encodeOptionalList(*patch.Operations)
		if err != nil {
			return nil, err
		}
		u.set("operations", encoded)
	}
	if patch.ScopeMeta != nil {
		if err := validateScopeMeta(*patch.ScopeMeta); err != nil {
			return nil, err
		}
		u.set("scope_meta", optionalString(*patch.ScopeMeta))
	}
	if patch.NetworkAccess != nil {
		if err := validateNetworkAccess(*patch.NetworkAccess); err != nil {
			return nil, err
		}
		u.set("network_access", optionalString(string(*patch.NetworkAccess)))
	}

	var updated *Policy
	err := r.withTx(func(tx *sql.Tx) error {
		where, args := r.visible("id = ?", id)
		existing, err := r.getOne(tx, where, args)
		if err != nil || existing == nil {
			return err
		}
		if !u.empty() {
			u.set("updated_at", r.timestamp())
			if _, err := tx.Exec("UPDATE policies SET "+u.clause()+" WHERE id = ?", append(u.args, id)...); err != nil {
				return err
			}
		}
		updated, err = r.getOne(tx, "id = ?", []any{id})
		return err
	})
	if err != nil {
		return nil, wrapErr("update policy", err)
	}
	if updated != nil && !u.empty() {
		r.record("policy.update", id, nil)
	}
	return updated, nil
}

// SetEnabled toggles a policy visible from the bound level.
func (r *PolicyRepository) SetEnabled(id string, enabled bool) (*Policy, error) {
	return r.Update(id, PolicyPatch{Enabled: &enabled})
}

// Delete removes the policy at the bound level and reports whether a row
// was removed. Secret links to it go with it.
func (r *PolicyRepository) Delete(id string) (bool, error) {
	where, args := r.exact("id = ?", id)
	res, err := r.db.Exec("DELETE FROM policies WHERE "+where, args...)
	if err != nil {
		return false, wrapErr("delete policy", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("delete policy", err)
	}
	if n > 0 {
		r.record("policy.delete", id, nil)
	}
	return n > 0, nil
}

// DeleteAll removes every policy at the bound level and returns the count.
func (r *PolicyRepository) DeleteAll() (int64, error) {
	where, args := scope.BuildScopeWhere(r.scope)
	res, err := r.db.Exec("DELETE FROM policies WHERE "+where, args...)
	if err != nil {
		return 0, wrapErr("delete policies", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr("delete policies", err)
	}
	if n > 0 {
		r.record("policy.delete_all", "", map[string]any{"count": n})
	}
	return n, nil
}

// presetPolicyID derives the stored id for a preset policy. Global seeds
// keep the preset's id; scoped seeds are suffixed with their owner so the
// same preset can be seeded into several targets.
func (r *PolicyRepository) presetPolicyID(id string) string {
	targetID, username := r.owner()
	if targetID == nil {
		return id
	}
	if username == nil {
		return id + "@" + *targetID
	}
	return id + "@" + *targetID + "/" + *username
}

// SeedPreset inserts the preset's policies that are not already stored and
// returns how many were inserted. Re-seeding is a no-op.
func (r *PolicyRepository) SeedPreset(presetID string) (int, error) {
	preset, err := LookupPreset(presetID)
	if err != nil {
		return 0, err
	}

	inserted := 0
	err = r.withTx(func(tx *sql.Tx) error {
		for _, pp := range preset.Policies {
			in, err := r.prepare(pp.input(preset.ID))
			if err != nil {
				return fmt.Errorf("preset %s policy %s: %w", preset.ID, pp.ID, err)
			}
			in.ID = r.presetPolicyID(pp.ID)

			var exists int
			err = tx.QueryRow("SELECT COUNT(*) FROM policies WHERE id = ?", in.ID).Scan(&exists)
			if err != nil {
				return err
			}
			if exists > 0 {
				continue
			}
			if _, err := r.insert(tx, in); err != nil {
				return err
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, wrapErr("seed preset", err)
	}

	r.logger.Info("preset seeded", "preset", presetID, "scope", r.scope.String(), "inserted", inserted)
	if inserted > 0 {
		r.record("policy.seed", presetID, map[string]any{"inserted": inserted})
	}
	return inserted, nil
}

// Validate checks in without storing it.
func (r *PolicyRepository) Validate(in PolicyInput) error {
	_, err := r.prepare(in)
	return err
}

// String renders a policy for CLI listings.
func (p *Policy) String() string {
	state := "enabled"
	if !p.Enabled {
		state = "disabled"
	}
	return fmt.Sprintf("%s [%s %s] %s (%s)", p.ID, p.Action, p.Target, strings.Join(p.Patterns, ", "), state)
}
