package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agenshield/agenshield/pkg/crypto"
	"github.com/agenshield/agenshield/pkg/scope"
)

// timeLayout is the on-disk timestamp format. Fixed-width fractional
// seconds keep lexical and chronological order the same.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// base carries what every repository shares: the handle, the bound scope
// and, for secrets, the key source.
type base struct {
	db       *sql.DB
	scope    *scope.Filter
	keys     KeySource
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
	recorder Recorder
}

// Scope returns the filter the repository is bound to.
func (b *base) Scope() *scope.Filter {
	return b.scope
}

// withTx runs fn in a transaction, committing only if fn returns nil.
func (b *base) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit transaction: %w", err)
	}
	return nil
}

// owner returns the ownership columns a create writes for the bound scope.
func (b *base) owner() (targetID, userUsername *string) {
	if b.scope == nil {
		return nil, nil
	}
	return b.scope.TargetID.Ptr(), b.scope.UserUsername.Ptr()
}

func (b *base) timestamp() string {
	return formatTime(b.now())
}

func (b *base) isUnlocked() bool {
	return b.keys != nil && b.keys.IsUnlocked()
}

func (b *base) requireUnlocked() error {
	if !b.isUnlocked() {
		return ErrStorageLocked
	}
	return nil
}

// encrypt seals plaintext with the current vault key.
func (b *base) encrypt(plaintext string) (string, error) {
	if b.keys == nil {
		return "", ErrStorageLocked
	}
	key, err := b.keys.Key()
	if err != nil {
		return "", ErrStorageLocked
	}
	defer crypto.SecureWipe(key)
	return crypto.EncryptString(plaintext, key)
}

// decrypt opens a value sealed by encrypt.
func (b *base) decrypt(ciphertext string) (string, error) {
	if b.keys == nil {
		return "", ErrStorageLocked
	}
	key, err := b.keys.Key()
	if err != nil {
		return "", ErrStorageLocked
	}
	defer crypto.SecureWipe(key)
	return crypto.DecryptString(ciphertext, key)
}

// record forwards a committed mutation to the recorder.
func (b *base) record(op, subject string, details map[string]any) {
	if b.recorder == nil {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	details["scope"] = b.scope.String()
	if err := b.recorder.Record(op, subject, details); err != nil {
		b.logger.Warn("failed to record activity", "op", op, "subject", subject, "error", err)
	}
}

// updateSet accumulates "column = ?" assignments for a partial update.
type updateSet struct {
	columns []string
	args    []any
}

func (u *updateSet) set(column string, value any) {
	u.columns = append(u.columns, column+" = ?")
	u.args = append(u.args, value)
}

func (u *updateSet) empty() bool {
	return len(u.columns) == 0
}

func (u *updateSet) clause() string {
	return strings.Join(u.columns, ", ")
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(column, s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %v", ErrMalformedColumn, column, err)
	}
	return t, nil
}

// encodeList stores a string list as a JSON array. A nil list encodes as
// "[]".
func encodeList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// encodeOptionalList is encodeList for nullable columns: nil stays NULL.
func encodeOptionalList(list []string) (any, error) {
	if list == nil {
		return nil, nil
	}
	return encodeList(list)
}

func decodeList(column string, raw sql.NullString) ([]string, error) {
	if !raw.Valid {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw.String), &list); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedColumn, column, err)
	}
	return list, nil
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

// optionalString maps "" to NULL.
func optionalString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
