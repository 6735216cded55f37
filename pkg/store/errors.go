package store

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// Sentinel errors
var (
	ErrStorageLocked   = errors.New("store: vault is locked")
	ErrValidation      = errors.New("store: validation failed")
	ErrConstraint      = errors.New("store: constraint violation")
	ErrMalformedColumn = errors.New("store: malformed column value")
	ErrUnknownPreset   = errors.New("store: unknown preset")
)

// ValidationError reports a rejected input field. It matches ErrValidation
// under errors.Is.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("store: invalid %s: %s", e.Field, e.Message)
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConstraintError wraps a SQLite constraint failure (foreign key, unique,
// check or not-null). It matches ErrConstraint under errors.Is.
type ConstraintError struct {
	Op  string
	Err error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("store: %s: constraint violation: %v", e.Op, e.Err)
}

func (e *ConstraintError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrConstraint.
func (e *ConstraintError) Is(target error) bool {
	return target == ErrConstraint
}

// wrapErr annotates err with op, converting SQLite constraint failures into
// *ConstraintError.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return &ConstraintError{Op: op, Err: err}
	}
	var ce *ConstraintError
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrStorageLocked) {
		return err
	}
	return fmt.Errorf("store: %s: %w", op, err)
}
