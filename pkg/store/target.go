package store

import (
	"database/sql"
	"time"
)

// Target is an application being sandboxed.
type Target struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TargetRepository manages targets. Deleting a target removes everything
// scoped to it.
type TargetRepository struct {
	base
}

func scanTarget(row rowScanner) (*Target, error) {
	var t Target
	var createdAt, updatedAt string
	if err := row.Scan(&t.ID, &t.Name, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if t.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// Create inserts a target. A duplicate id is a *ConstraintError.
func (r *TargetRepository) Create(id, name string) (*Target, error) {
	if err := validateIdentifier("id", id); err != nil {
		return nil, err
	}
	name = normalizeName(name)
	if name == "" {
		name = id
	}
	if err := validateName("name", name); err != nil {
		return nil, err
	}

	now := r.timestamp()
	_, err := r.db.Exec(
		"INSERT INTO targets (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)",
		id, name, now, now,
	)
	if err != nil {
		return nil, wrapErr("create target", err)
	}
	r.record("target.create", id, map[string]any{"name": name})
	return r.Get(id)
}

// Get returns the target or nil.
func (r *TargetRepository) Get(id string) (*Target, error) {
	t, err := scanTarget(r.db.QueryRow("SELECT id, name, created_at, updated_at FROM targets WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, wrapErr("get target", err)
}

// List returns every target ordered by id.
func (r *TargetRepository) List() ([]*Target, error) {
	rows, err := r.db.Query("SELECT id, name, created_at, updated_at FROM targets ORDER BY id")
	if err != nil {
		return nil, wrapErr("list targets", err)
	}
	defer rows.Close()

	var out []*Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, wrapErr("list targets", err)
		}
		out = append(out, t)
	}
	return out, wrapErr("list targets", rows.Err())
}

// Delete removes the target and, by cascade, its scoped policies, secrets,
// config rows and memberships.
func (r *TargetRepository) Delete(id string) (bool, error) {
	res, err := r.db.Exec("DELETE FROM targets WHERE id = ?", id)
	if err != nil {
		return false, wrapErr("delete target", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("delete target", err)
	}
	if n > 0 {
		r.record("target.delete", id, nil)
	}
	return n > 0, nil
}
