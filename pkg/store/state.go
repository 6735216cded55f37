package store

import (
	"database/sql"
	"time"
)

// State is the singleton installation record.
type State struct {
	Version     string    `json:"version"`
	InstalledAt time.Time `json:"installedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// StateRepository reads and writes the singleton state row.
type StateRepository struct {
	base
}

// Init records the installed version. A second Init fails with a
// *ConstraintError because the table holds exactly one row.
func (r *StateRepository) Init(version string) error {
	if version == "" {
		return invalid("version", "must not be empty")
	}
	now := r.timestamp()
	_, err := r.db.Exec(
		"INSERT INTO state (id, version, installed_at, updated_at) VALUES (1, ?, ?, ?)",
		version, now, now,
	)
	if err != nil {
		return wrapErr("init state", err)
	}
	r.record("state.init", version, nil)
	return nil
}

// Get returns the state row or nil before Init.
func (r *StateRepository) Get() (*State, error) {
	var s State
	var installedAt, updatedAt string
	err := r.db.QueryRow("SELECT version, installed_at, updated_at FROM state WHERE id = 1").
		Scan(&s.Version, &installedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get state", err)
	}
	if s.InstalledAt, err = parseTime("installed_at", installedAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// SetVersion updates the recorded version. It returns false before Init.
func (r *StateRepository) SetVersion(version string) (bool, error) {
	if version == "" {
		return false, invalid("version", "must not be empty")
	}
	res, err := r.db.Exec("UPDATE state SET version = ?, updated_at = ? WHERE id = 1", version, r.timestamp())
	if err != nil {
		return false, wrapErr("set version", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("set version", err)
	}
	return n > 0, nil
}
