package store

import (
	"database/sql"
	"strings"
	"time"

	"github.com/agenshield/agenshield/pkg/scope"
)

// SecretScope says where a secret may be injected.
type SecretScope string

const (
	// SecretScopeGlobal secrets are available everywhere in their scope chain.
	SecretScopeGlobal SecretScope = "global"
	// SecretScopePoliced secrets are released only for linked policies.
	SecretScopePoliced SecretScope = "policed"
	// SecretScopeStandalone secrets are stored but never injected.
	SecretScopeStandalone SecretScope = "standalone"
)

// MaskedValue replaces secret values on the masked read path.
const MaskedValue = "••••••••"

// Secret is a vault entry. Value holds plaintext, or MaskedValue when read
// through GetAllMasked or returned from an update made while locked.
type Secret struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Value        string      `json:"value"`
	Scope        SecretScope `json:"scope"`
	PolicyIDs    []string    `json:"policyIds"`
	TargetID     *string     `json:"targetId,omitempty"`
	UserUsername *string     `json:"userUsername,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`

	ciphertext string
}

// ScopeName implements scope.Scoped.
func (s *Secret) ScopeName() string { return s.Name }

// ScopeOwner implements scope.Scoped.
func (s *Secret) ScopeOwner() (*string, *string) { return s.TargetID, s.UserUsername }

// SecretInput is the payload of Create. An empty Scope is inferred:
// policed when PolicyIDs is non-empty, global otherwise.
type SecretInput struct {
	Name      string
	Value     string
	Scope     SecretScope
	PolicyIDs []string
}

// SecretPatch lists the fields Update changes. Nil fields are left alone.
type SecretPatch struct {
	Name      *string
	Value     *string
	Scope     *SecretScope
	PolicyIDs *[]string
}

// SecretRepository stores encrypted secrets for one scope.
//
// Visibility follows PolicyRepository: reads union the bound level with
// every less specific level, writes touch only the bound level. When bound
// to a scope, reads keep one secret per name, the most specific.
type SecretRepository struct {
	base
}

const secretColumns = `id, target_id, user_username, name, value, scope, created_at, updated_at`

func scanSecret(row rowScanner) (*Secret, error) {
	var (
		s                    Secret
		targetID, username   sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&s.ID, &targetID, &username, &s.Name, &s.ciphertext, &s.Scope, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	s.TargetID = nullString(targetID)
	s.UserUsername = nullString(username)

	var err error
	if s.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// query loads matching secrets and their policy links. Rows are fully read
// before the link lookups because the store runs on a single connection.
func (r *SecretRepository) query(q querier, where string, args []any) ([]*Secret, error) {
	rows, err := q.Query("SELECT "+secretColumns+" FROM secrets WHERE "+where+" ORDER BY created_at ASC, id ASC", args...)
	if err != nil {
		return nil, err
	}
	var out []*Secret
	for rows.Next() {
		s, err := scanSecret(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, s := range out {
		if s.PolicyIDs, err = loadLinks(q, s.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func loadLinks(q querier, secretID string) ([]string, error) {
	rows, err := q.Query("SELECT policy_id FROM secret_policies WHERE secret_id = ? ORDER BY position ASC", secretID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func replaceLinks(tx *sql.Tx, secretID string, policyIDs []string) error {
	if _, err := tx.Exec("DELETE FROM secret_policies WHERE secret_id = ?", secretID); err != nil {
		return err
	}
	for i, policyID := range policyIDs {
		if _, err := tx.Exec(
			"INSERT INTO secret_policies (secret_id, policy_id, position) VALUES (?, ?, ?)",
			secretID, policyID, i,
		); err != nil {
			return err
		}
	}
	return nil
}

func (r *SecretRepository) visible(extra string, args ...any) (string, []any) {
	clause, params := scope.BuildPolicyScopeWhere(r.scope)
	if extra == "" {
		return clause, params
	}
	return clause + " AND " + extra, append(params, args...)
}

func (r *SecretRepository) exact(extra string, args ...any) (string, []any) {
	clause, params := scope.BuildScopeWhere(r.scope)
	return clause + " AND " + extra, append(params, args...)
}

// open decrypts each secret's value in place.
func (r *SecretRepository) open(list []*Secret) error {
	for _, s := range list {
		plaintext, err := r.decrypt(s.ciphertext)
		if err != nil {
			return err
		}
		s.Value = plaintext
	}
	return nil
}

// Create encrypts and stores a secret at the bound level together with its
// policy links. Fails with ErrStorageLocked while the vault is locked.
func (r *SecretRepository) Create(in SecretInput) (*Secret, error) {
	if err := r.requireUnlocked(); err != nil {
		return nil, err
	}

	in.Name = normalizeName(in.Name)
	if err := validateSecretName(in.Name); err != nil {
		return nil, err
	}
	if err := validateSecretValue(in.Value); err != nil {
		return nil, err
	}
	if in.Scope == "" {
		in.Scope = SecretScopeGlobal
		if len(in.PolicyIDs) > 0 {
			in.Scope = SecretScopePoliced
		}
	}
	if err := validateSecretScope(in.Scope); err != nil {
		return nil, err
	}
	if err := validatePolicyIDs(in.PolicyIDs); err != nil {
		return nil, err
	}

	ciphertext, err := r.encrypt(in.Value)
	if err != nil {
		return nil, err
	}

	id := r.newID()
	targetID, username := r.owner()
	now := r.timestamp()

	err = r.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO secrets (`+secretColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, targetID, username, in.Name, ciphertext, in.Scope, now, now,
		)
		if err != nil {
			return err
		}
		if in.Scope == SecretScopeStandalone {
			return nil
		}
		return replaceLinks(tx, id, in.PolicyIDs)
	})
	if err != nil {
		return nil, wrapErr("create secret", err)
	}

	list, err := r.query(r.db, "id = ?", []any{id})
	if err != nil || len(list) == 0 {
		return nil, wrapErr("create secret", err)
	}
	created := list[0]
	created.Value = in.Value

	r.record("secret.create", id, map[string]any{"name": in.Name, "scope": string(in.Scope)})
	return created, nil
}

// GetByID returns the decrypted secret if it is visible, or nil.
func (r *SecretRepository) GetByID(id string) (*Secret, error) {
	if err := r.requireUnlocked(); err != nil {
		return nil, err
	}
	where, args := r.visible("id = ?", id)
	list, err := r.query(r.db, where, args)
	if err != nil || len(list) == 0 {
		return nil, wrapErr("get secret", err)
	}
	if err := r.open(list[:1]); err != nil {
		return nil, err
	}
	return list[0], nil
}

// GetByName returns the decrypted secret called name. Under a scope the
// most specific visible row wins; with no scope the oldest row of that name
// is returned.
func (r *SecretRepository) GetByName(name string) (*Secret, error) {
	if err := r.requireUnlocked(); err != nil {
		return nil, err
	}
	name = normalizeName(name)

	var list []*Secret
	var err error
	if r.scope == nil {
		list, err = r.query(r.db, "name = ?", []any{name})
	} else {
		where, args := r.visible("name = ?", name)
		list, err = r.query(r.db, where, args)
		list = scope.ResolveSecretScope(list)
	}
	if err != nil || len(list) == 0 {
		return nil, wrapErr("get secret", err)
	}
	if err := r.open(list[:1]); err != nil {
		return nil, err
	}
	return list[0], nil
}

// GetAll returns every visible secret, decrypted.
func (r *SecretRepository) GetAll() ([]*Secret, error) {
	if err := r.requireUnlocked(); err != nil {
		return nil, err
	}
	list, err := r.list()
	if err != nil {
		return nil, err
	}
	if err := r.open(list); err != nil {
		return nil, err
	}
	return list, nil
}

// GetAllMasked returns every visible secret with its value masked. It
// never reads the key and works while the vault is locked.
func (r *SecretRepository) GetAllMasked() ([]*Secret, error) {
	list, err := r.list()
	if err != nil {
		return nil, err
	}
	for _, s := range list {
		s.Value = MaskedValue
		s.ciphertext = ""
	}
	return list, nil
}

// GetByPolicy returns the decrypted policed secrets linked to policyID that
// are visible to the bound scope.
func (r *SecretRepository) GetByPolicy(policyID string) ([]*Secret, error) {
	if err := r.requireUnlocked(); err != nil {
		return nil, err
	}
	where, args := r.visible(
		"scope = ? AND id IN (SELECT secret_id FROM secret_policies WHERE policy_id = ?)",
		SecretScopePoliced, policyID,
	)
	list, err := r.query(r.db, where, args)
	if err != nil {
		return nil, wrapErr("list secrets", err)
	}
	if r.scope != nil {
		list = scope.ResolveSecretScope(list)
	}
	if err := r.open(list); err != nil {
		return nil, err
	}
	return list, nil
}

func (r *SecretRepository) list() ([]*Secret, error) {
	where, args := r.visible("")
	list, err := r.query(r.db, where, args)
	if err != nil {
		return nil, wrapErr("list secrets", err)
	}
	if r.scope != nil {
		list = scope.ResolveSecretScope(list)
	}
	return list, nil
}

// Update applies patch to the secret at the bound level and returns it, or
// nil when no such secret exists there. A new value requires the vault to
// be unlocked. Links are replaced when PolicyIDs is set and cleared when
// the secret becomes standalone.
func (r *SecretRepository) Update(id string, patch SecretPatch) (*Secret, error) {
	if patch.Value != nil {
		if err := r.requireUnlocked(); err != nil {
			return nil, err
		}
	}

	var u updateSet
	if patch.Name != nil {
		name := normalizeName(*patch.Name)
		if err := validateSecretName(name); err != nil {
			return nil, err
		}
		u.set("name", name)
	}
	if patch.Value != nil {
		if err := validateSecretValue(*patch.Value); err != nil {
			return nil, err
		}
		ciphertext, err := r.encrypt(*patch.Value)
		if err != nil {
			return nil, err
		}
		u.set("value", ciphertext)
	}
	if patch.Scope != nil {
		if err := validateSecretScope(*patch.Scope); err != nil {
			return nil, err
		}
		u.set("scope", *patch.Scope)
	}
	if patch.PolicyIDs != nil {
		if err := validatePolicyIDs(*patch.PolicyIDs); err != nil {
			return nil, err
		}
	}

	var updated *Secret
	err := r.withTx(func(tx *sql.Tx) error {
		where, args := r.exact("id = ?", id)
		found, err := r.query(tx, where, args)
		if err != nil || len(found) == 0 {
			return err
		}
		existing := found[0]

		if !u.empty() {
			u.set("updated_at", r.timestamp())
			if _, err := tx.Exec("UPDATE secrets SET "+u.clause()+" WHERE id = ?", append(u.args, id)...); err != nil {
				return err
			}
		}

		newScope := existing.Scope
		if patch.Scope != nil {
			newScope = *patch.Scope
		}
		switch {
		case newScope == SecretScopeStandalone:
			if err := replaceLinks(tx, id, nil); err != nil {
				return err
			}
		case patch.PolicyIDs != nil:
			if err := replaceLinks(tx, id, *patch.PolicyIDs); err != nil {
				return err
			}
		}

		found, err = r.query(tx, "id = ?", []any{id})
		if err != nil || len(found) == 0 {
			return err
		}
		updated = found[0]
		return nil
	})
	if err != nil {
		return nil, wrapErr("update secret", err)
	}
	if updated == nil {
		return nil, nil
	}

	if r.isUnlocked() {
		if err := r.open([]*Secret{updated}); err != nil {
			return nil, err
		}
	} else {
		updated.Value = MaskedValue
	}
	updated.ciphertext = ""

	r.record("secret.update", id, map[string]any{"fields": patchFields(patch)})
	return updated, nil
}

func patchFields(patch SecretPatch) string {
	var fields []string
	if patch.Name != nil {
		fields = append(fields, "name")
	}
	if patch.Value != nil {
		fields = append(fields, "value")
	}
	if patch.Scope != nil {
		fields = append(fields, "scope")
	}
	if patch.PolicyIDs != nil {
		fields = append(fields, "policy_ids")
	}
	return strings.Join(fields, ",")
}

// Delete removes the secret at the bound level. It needs no key.
func (r *SecretRepository) Delete(id string) (bool, error) {
	where, args := r.exact("id = ?", id)
	res, err := r.db.Exec("DELETE FROM secrets WHERE "+where, args...)
	if err != nil {
		return false, wrapErr("delete secret", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("delete secret", err)
	}
	if n > 0 {
		r.record("secret.delete", id, nil)
	}
	return n > 0, nil
}

// Count returns the number of secrets after scope resolution.
func (r *SecretRepository) Count() (int, error) {
	list, err := r.list()
	if err != nil {
		return 0, err
	}
	return len(list), nil
}
