package store

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// Schema version constants
const (
	// SchemaVersion1 creates installation state, tenancy, config, policies
	// and the activity log.
	SchemaVersion1 = 1
	// SchemaVersion2 adds the vault state row, secrets and secret/policy links.
	SchemaVersion2 = 2
	// SchemaVersion3 adds operations, preset, scope_meta and network_access
	// to policies, plus scope lookup indexes.
	SchemaVersion3 = 3
	// CurrentSchemaVersion is the current schema version
	CurrentSchemaVersion = SchemaVersion3
)

// migration is one schema step. Each step runs in its own transaction and
// records its version before committing.
type migration struct {
	version int
	apply   func(tx *sql.Tx) error
}

var migrations = []migration{
	{SchemaVersion1, migrateToV1},
	{SchemaVersion2, migrateToV2},
	{SchemaVersion3, migrateToV3},
}

// getSchemaVersion returns the highest applied version, or 0 for an empty
// database.
func getSchemaVersion(db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableName)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: failed to check schema_version table: %w", err)
	}

	var version sql.NullInt64
	if err := db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("store: failed to get schema version: %w", err)
	}
	return int(version.Int64), nil
}

// SchemaVersion reports the schema version stored in db.
func SchemaVersion(db *sql.DB) (int, error) {
	return getSchemaVersion(db)
}

// migrateSchema applies every migration above the stored version, in order.
func migrateSchema(db *sql.DB, logger *slog.Logger) error {
	return migrateTo(db, CurrentSchemaVersion, logger)
}

func migrateTo(db *sql.DB, target int, logger *slog.Logger) error {
	version, err := getSchemaVersion(db)
	if err != nil {
		return err
	}
	if version > CurrentSchemaVersion {
		return fmt.Errorf("store: database schema v%d is newer than supported v%d", version, CurrentSchemaVersion)
	}

	for _, m := range migrations {
		if m.version <= version || m.version > target {
			continue
		}
		if err := runMigration(db, m); err != nil {
			return fmt.Errorf("store: migration to v%d failed: %w", m.version, err)
		}
		logger.Info("schema migrated", "version", m.version)
	}
	return nil
}

func runMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := m.apply(tx); err != nil {
		return err
	}

	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			migrated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}
	if _, err := tx.Exec("INSERT OR REPLACE INTO schema_version (version) VALUES (?)", m.version); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

func execAll(tx *sql.Tx, statements []string) error {
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrateToV1 creates the base schema. Every ownership column references
// its parent with ON DELETE CASCADE, so removing a target or user removes
// the rows scoped to it.
func migrateToV1(tx *sql.Tx) error {
	return execAll(tx, []string{
		`CREATE TABLE IF NOT EXISTS state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version TEXT NOT NULL,
			installed_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS targets (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			kind TEXT NOT NULL CHECK (kind IN ('agent', 'broker', 'operator')),
			uid INTEGER,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS target_users (
			target_id TEXT NOT NULL REFERENCES targets(id) ON DELETE CASCADE,
			user_username TEXT NOT NULL REFERENCES users(username) ON DELETE CASCADE,
			role TEXT NOT NULL DEFAULT 'agent',
			PRIMARY KEY (target_id, user_username)
		)`,
		`CREATE TABLE IF NOT EXISTS config (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			target_id TEXT REFERENCES targets(id) ON DELETE CASCADE,
			user_username TEXT REFERENCES users(username) ON DELETE CASCADE,
			daemon_host TEXT,
			daemon_port INTEGER,
			log_level TEXT,
			enable_network_proxy INTEGER,
			enable_skill_scan INTEGER,
			default_action TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_config_scope
			ON config (COALESCE(target_id, ''), COALESCE(user_username, ''))`,
		`CREATE TABLE IF NOT EXISTS policies (
			id TEXT PRIMARY KEY,
			target_id TEXT REFERENCES targets(id) ON DELETE CASCADE,
			user_username TEXT REFERENCES users(username) ON DELETE CASCADE,
			name TEXT NOT NULL,
			action TEXT NOT NULL CHECK (action IN ('allow', 'deny', 'approval')),
			target TEXT NOT NULL,
			patterns TEXT NOT NULL DEFAULT '[]',
			enabled INTEGER NOT NULL DEFAULT 1,
			priority INTEGER,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS activity_events (
			id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL UNIQUE,
			ts TEXT NOT NULL,
			op TEXT NOT NULL,
			source TEXT NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL,
			error_code TEXT,
			error_message TEXT,
			context TEXT,
			prev_hash TEXT NOT NULL,
			hash TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_ts ON activity_events (ts)`,
	})
}

// migrateToV2 adds encrypted secret storage.
func migrateToV2(tx *sql.Tx) error {
	return execAll(tx, []string{
		`CREATE TABLE IF NOT EXISTS vault_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			salt BLOB NOT NULL,
			passcode_hash TEXT NOT NULL,
			failed_attempts INTEGER NOT NULL DEFAULT 0,
			last_attempt TEXT,
			cooldown_until TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			id TEXT PRIMARY KEY,
			target_id TEXT REFERENCES targets(id) ON DELETE CASCADE,
			user_username TEXT REFERENCES users(username) ON DELETE CASCADE,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT 'global' CHECK (scope IN ('global', 'policed', 'standalone')),
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_secrets_name_scope
			ON secrets (name, COALESCE(target_id, ''), COALESCE(user_username, ''))`,
		`CREATE TABLE IF NOT EXISTS secret_policies (
			secret_id TEXT NOT NULL REFERENCES secrets(id) ON DELETE CASCADE,
			policy_id TEXT NOT NULL REFERENCES policies(id) ON DELETE CASCADE,
			position INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (secret_id, policy_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_secret_policies_policy ON secret_policies (policy_id)`,
	})
}

// migrateToV3 extends policies. Columns are added only when missing so a
// partially applied step can be re-run.
func migrateToV3(tx *sql.Tx) error {
	columns, err := getTableColumns(tx, "policies")
	if err != nil {
		return fmt.Errorf("failed to get table columns: %w", err)
	}

	added := []struct {
		name string
		ddl  string
	}{
		{"operations", "ALTER TABLE policies ADD COLUMN operations TEXT"},
		{"preset", "ALTER TABLE policies ADD COLUMN preset TEXT"},
		{"scope_meta", "ALTER TABLE policies ADD COLUMN scope_meta TEXT"},
		{"network_access", "ALTER TABLE policies ADD COLUMN network_access TEXT CHECK (network_access IS NULL OR network_access IN ('none', 'proxy', 'direct'))"},
	}
	for _, col := range added {
		if columns[col.name] {
			continue
		}
		if _, err := tx.Exec(col.ddl); err != nil {
			return fmt.Errorf("failed to add %s column: %w", col.name, err)
		}
	}

	return execAll(tx, []string{
		`CREATE INDEX IF NOT EXISTS idx_policies_scope ON policies (target_id, user_username)`,
		`CREATE INDEX IF NOT EXISTS idx_policies_preset ON policies (preset)`,
		`CREATE INDEX IF NOT EXISTS idx_secrets_scope ON secrets (target_id, user_username)`,
	})
}

// getTableColumns returns a map of column names for a table.
func getTableColumns(tx *sql.Tx, tableName string) (map[string]bool, error) {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		columns[name] = true
	}

	return columns, rows.Err()
}
