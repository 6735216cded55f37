// Package store persists AgenShield policies, secrets, configuration and
// tenancy records in a single SQLite database.
//
// Every scoped repository is bound at construction to a *scope.Filter and
// uses package scope for all visibility decisions. Secret repositories are
// additionally bound to a KeySource, normally the process's vault session.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agenshield/agenshield/pkg/scope"
)

const (
	// DirMode is the permission used for the data directory.
	DirMode = 0700
	// FileMode is the permission applied to the database file.
	FileMode = 0600
	// MemoryPath opens a private in-memory database.
	MemoryPath = ":memory:"
)

// dsnOptions are appended to every database path.
const dsnOptions = "_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"

// Recorder receives one call per committed mutation. Failures are logged,
// never returned to the caller of the mutation.
type Recorder interface {
	Record(op, subject string, details map[string]any) error
}

// KeySource supplies the vault encryption key. Key returns a copy that the
// caller wipes after use.
type KeySource interface {
	IsUnlocked() bool
	Key() ([]byte, error)
}

// Options configures a Store.
type Options struct {
	Logger   *slog.Logger
	Recorder Recorder
	// Now overrides the clock used for timestamps.
	Now func() time.Time
}

// Store owns the database handle and hands out scoped repositories.
type Store struct {
	db       *sql.DB
	path     string
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time
}

// Open opens (creating if needed) the database at path and brings its
// schema up to CurrentSchemaVersion.
func Open(path string, opts Options) (*Store, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), DirMode); err != nil {
			return nil, fmt.Errorf("store: failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?"+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	// One connection serialises writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}

	s := &Store{
		db:       db,
		path:     path,
		logger:   opts.Logger,
		recorder: opts.Recorder,
		now:      opts.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}

	if err := migrateSchema(db, s.logger); err != nil {
		db.Close()
		return nil, err
	}

	if path != MemoryPath {
		if err := os.Chmod(path, FileMode); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: failed to set database permissions: %w", err)
		}
	}

	s.logger.Debug("store opened", "path", path, "schema_version", CurrentSchemaVersion)
	return s, nil
}

// DB exposes the underlying handle for packages that share the database
// (vault state, activity log, backup).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// SetRecorder installs the mutation recorder. It is not safe to call
// concurrently with repository use.
func (s *Store) SetRecorder(r Recorder) {
	s.recorder = r
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) base(f *scope.Filter, keys KeySource) base {
	return base{
		db:       s.db,
		scope:    f,
		keys:     keys,
		now:      s.now,
		newID:    func() string { return uuid.New().String() },
		logger:   s.logger,
		recorder: s.recorder,
	}
}

// Policies returns a policy repository bound to f.
func (s *Store) Policies(f *scope.Filter) *PolicyRepository {
	return &PolicyRepository{base: s.base(f, nil)}
}

// Secrets returns a secret repository bound to f that encrypts with keys.
func (s *Store) Secrets(f *scope.Filter, keys KeySource) *SecretRepository {
	return &SecretRepository{base: s.base(f, keys)}
}

// Config returns a config repository bound to f.
func (s *Store) Config(f *scope.Filter) *ConfigRepository {
	return &ConfigRepository{base: s.base(f, nil)}
}

// Targets returns the target repository.
func (s *Store) Targets() *TargetRepository {
	return &TargetRepository{base: s.base(nil, nil)}
}

// Users returns the user repository.
func (s *Store) Users() *UserRepository {
	return &UserRepository{base: s.base(nil, nil)}
}

// State returns the installation state repository.
func (s *Store) State() *StateRepository {
	return &StateRepository{base: s.base(nil, nil)}
}
