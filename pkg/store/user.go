package store

import (
	"database/sql"
	"time"
)

// UserKind is the role of a sandbox account.
type UserKind string

const (
	UserAgent    UserKind = "agent"
	UserBroker   UserKind = "broker"
	UserOperator UserKind = "operator"
)

// User is a host account known to AgenShield.
type User struct {
	Username  string    `json:"username"`
	Kind      UserKind  `json:"kind"`
	UID       *int      `json:"uid,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Member is a user assigned to a target.
type Member struct {
	User
	Role string `json:"role"`
}

// UserRepository manages users and their target memberships.
type UserRepository struct {
	base
}

func validateUserKind(k UserKind) error {
	switch k {
	case UserAgent, UserBroker, UserOperator:
		return nil
	}
	return invalid("kind", "unknown kind %q", k)
}

func scanUser(row rowScanner, extra ...any) (*User, error) {
	var u User
	var uid sql.NullInt64
	var createdAt string
	if err := row.Scan(append([]any{&u.Username, &u.Kind, &uid, &createdAt}, extra...)...); err != nil {
		return nil, err
	}
	if uid.Valid {
		v := int(uid.Int64)
		u.UID = &v
	}
	var err error
	if u.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// Create inserts a user. uid may be nil when the host account does not
// exist yet.
func (r *UserRepository) Create(username string, kind UserKind, uid *int) (*User, error) {
	if err := validateIdentifier("username", username); err != nil {
		return nil, err
	}
	if err := validateUserKind(kind); err != nil {
		return nil, err
	}
	if uid != nil && *uid < 0 {
		return nil, invalid("uid", "must not be negative")
	}

	_, err := r.db.Exec(
		"INSERT INTO users (username, kind, uid, created_at) VALUES (?, ?, ?, ?)",
		username, kind, uid, r.timestamp(),
	)
	if err != nil {
		return nil, wrapErr("create user", err)
	}
	r.record("user.create", username, map[string]any{"kind": string(kind)})
	return r.Get(username)
}

// Get returns the user or nil.
func (r *UserRepository) Get(username string) (*User, error) {
	u, err := scanUser(r.db.QueryRow("SELECT username, kind, uid, created_at FROM users WHERE username = ?", username))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, wrapErr("get user", err)
}

// List returns every user ordered by username.
func (r *UserRepository) List() ([]*User, error) {
	rows, err := r.db.Query("SELECT username, kind, uid, created_at FROM users ORDER BY username")
	if err != nil {
		return nil, wrapErr("list users", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, wrapErr("list users", err)
		}
		out = append(out, u)
	}
	return out, wrapErr("list users", rows.Err())
}

// Delete removes the user and everything scoped to them.
func (r *UserRepository) Delete(username string) (bool, error) {
	res, err := r.db.Exec("DELETE FROM users WHERE username = ?", username)
	if err != nil {
		return false, wrapErr("delete user", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("delete user", err)
	}
	if n > 0 {
		r.record("user.delete", username, nil)
	}
	return n > 0, nil
}

// Assign adds username to targetID with role, replacing any previous role.
func (r *UserRepository) Assign(targetID, username, role string) error {
	if role == "" {
		role = string(UserAgent)
	}
	if err := validateIdentifier("role", role); err != nil {
		return err
	}
	_, err := r.db.Exec(`
		INSERT INTO target_users (target_id, user_username, role) VALUES (?, ?, ?)
		ON CONFLICT (target_id, user_username) DO UPDATE SET role = excluded.role`,
		targetID, username, role,
	)
	if err != nil {
		return wrapErr("assign user", err)
	}
	r.record("user.assign", username, map[string]any{"target": targetID, "role": role})
	return nil
}

// Unassign removes username from targetID.
func (r *UserRepository) Unassign(targetID, username string) (bool, error) {
	res, err := r.db.Exec("DELETE FROM target_users WHERE target_id = ? AND user_username = ?", targetID, username)
	if err != nil {
		return false, wrapErr("unassign user", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("unassign user", err)
	}
	return n > 0, nil
}

// Members returns the users assigned to targetID.
func (r *UserRepository) Members(targetID string) ([]*Member, error) {
	rows, err := r.db.Query(`
		SELECT u.username, u.kind, u.uid, u.created_at, tu.role
		FROM target_users tu JOIN users u ON u.username = tu.user_username
		WHERE tu.target_id = ?
		ORDER BY u.username`, targetID)
	if err != nil {
		return nil, wrapErr("list members", err)
	}
	defer rows.Close()

	var out []*Member
	for rows.Next() {
		var role string
		u, err := scanUser(rows, &role)
		if err != nil {
			return nil, wrapErr("list members", err)
		}
		out = append(out, &Member{User: *u, Role: role})
	}
	return out, wrapErr("list members", rows.Err())
}
