// Package backup exports and restores a whole store as a single encrypted
// bundle.
//
// Layout of a bundle file:
//   - the file is an age stream (scrypt passphrase or X25519 recipients)
//   - inside: "AGSH_BKP" magic, a length-prefixed CBOR header, then the
//     payload
//   - the payload is a zstd-compressed CBOR dump of every domain table,
//     and the header carries its BLAKE3 checksum
//
// Secret values are copied as stored, still sealed with the vault key, and
// vault_state travels with them. A restored store therefore unlocks with
// the passcode that was current when the bundle was made.
package backup

import (
	"bufio"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"filippo.io/age"

	"github.com/agenshield/agenshield/pkg/store"
)

// ActivityTable holds the optional activity log.
const ActivityTable = "activity_events"

// domainTables are dumped and restored in foreign-key order.
var domainTables = []string{
	"state",
	"targets",
	"users",
	"target_users",
	"config",
	"policies",
	"vault_state",
	"secrets",
	"secret_policies",
}

// orderBy keeps dumps deterministic.
var orderBy = map[string]string{
	"state":           "id",
	"targets":         "id",
	"users":           "username",
	"target_users":    "target_id, user_username",
	"config":          "id",
	"policies":        "id",
	"vault_state":     "id",
	"secrets":         "id",
	"secret_policies": "secret_id, position",
	ActivityTable:     "seq",
}

// ExportOptions configures Export. Exactly one of Passphrase or Recipients
// must be set.
type ExportOptions struct {
	Passphrase      string
	Recipients      []age.Recipient
	IncludeActivity bool
	Logger          *slog.Logger
	Now             func() time.Time
}

// RestoreOptions configures Restore and Verify.
type RestoreOptions struct {
	Passphrase string
	Identities []age.Identity
	// Force replaces existing data instead of refusing a non-empty store.
	Force  bool
	Logger *slog.Logger
}

// RestoreResult contains the result of a restore operation.
type RestoreResult struct {
	Header *Header
	// Rows counts inserted rows per table.
	Rows map[string]int
	// Replaced is set when existing data was deleted first.
	Replaced bool
}

// VerifyResult contains the result of a verify operation.
type VerifyResult struct {
	Valid            bool
	Version          int
	SchemaVersion    int
	CreatedAt        time.Time
	Counts           map[string]int
	IncludesActivity bool
	Error            string
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// Export writes an encrypted bundle of db to w and returns its header.
func Export(db *sql.DB, w io.Writer, opts ExportOptions) (*Header, error) {
	logger := loggerOr(opts.Logger)
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	// Resolve recipients before touching the database.
	if _, err := recipients(opts); err != nil {
		return nil, err
	}

	schemaVersion, err := store.SchemaVersion(db)
	if err != nil {
		return nil, fmt.Errorf("backup: %w", err)
	}

	bundle, err := dump(db, opts.IncludeActivity)
	if err != nil {
		return nil, err
	}
	payload, err := EncodePayload(bundle)
	if err != nil {
		return nil, err
	}

	header := &Header{
		Version:          FormatVersion,
		CreatedAt:        now().UTC(),
		SchemaVersion:    schemaVersion,
		IncludesActivity: opts.IncludeActivity,
		Counts:           make(map[string]int, len(bundle.Tables)),
		PayloadSize:      len(payload),
		ChecksumAlgo:     ChecksumAlgo,
		Checksum:         Checksum(payload),
	}
	for _, t := range bundle.Tables {
		header.Counts[t.Name] = len(t.Rows)
	}

	enc, err := encryptTo(w, opts)
	if err != nil {
		return nil, err
	}
	if err := WriteHeader(enc, header); err != nil {
		enc.Close()
		return nil, err
	}
	if _, err := enc.Write(payload); err != nil {
		enc.Close()
		return nil, fmt.Errorf("backup: failed to write payload: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("backup: failed to finish encryption: %w", err)
	}

	logger.Info("backup exported",
		"secrets", header.Counts["secrets"],
		"policies", header.Counts["policies"],
		"activity", opts.IncludeActivity)
	return header, nil
}

// dump reads every table inside one read transaction.
func dump(db *sql.DB, includeActivity bool) (*Bundle, error) {
	tables := append([]string(nil), domainTables...)
	if includeActivity {
		tables = append(tables, ActivityTable)
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("backup: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	bundle := &Bundle{}
	for _, name := range tables {
		t, err := dumpTable(tx, name)
		if err != nil {
			return nil, err
		}
		bundle.Tables = append(bundle.Tables, *t)
	}
	return bundle, nil
}

func dumpTable(tx *sql.Tx, name string) (*Table, error) {
	rows, err := tx.Query("SELECT * FROM " + name + " ORDER BY " + orderBy[name])
	if err != nil {
		return nil, fmt.Errorf("backup: failed to read %s: %w", name, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("backup: failed to read %s columns: %w", name, err)
	}

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("backup: failed to read %s columns: %w", name, err)
	}

	t := &Table{Name: name, Columns: columns, Rows: [][]any{}}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("backup: failed to scan %s: %w", name, err)
		}
		// TEXT must come back as TEXT, not BLOB.
		for i, v := range values {
			if b, ok := v.([]byte); ok && strings.EqualFold(types[i].DatabaseTypeName(), "TEXT") {
				values[i] = string(b)
			}
		}
		t.Rows = append(t.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("backup: failed to read %s: %w", name, err)
	}
	return t, nil
}

// open decrypts r and returns the verified header and bundle.
func open(r io.Reader, opts RestoreOptions) (*Header, *Bundle, error) {
	plain, err := decryptFrom(r, opts.Passphrase, opts.Identities)
	if err != nil {
		return nil, nil, err
	}
	br := bufio.NewReader(plain)

	header, err := ReadHeader(br)
	if err != nil {
		return nil, nil, err
	}
	if header.SchemaVersion > store.CurrentSchemaVersion {
		return nil, nil, fmt.Errorf("%w: schema %d, max supported %d",
			ErrUnsupportedVersion, header.SchemaVersion, store.CurrentSchemaVersion)
	}
	if header.ChecksumAlgo != ChecksumAlgo {
		return nil, nil, fmt.Errorf("%w: unknown algorithm %q", ErrIntegrityFailed, header.ChecksumAlgo)
	}

	payload, err := io.ReadAll(io.LimitReader(br, int64(header.PayloadSize)+1))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if len(payload) != header.PayloadSize || !VerifyChecksum(payload, header.Checksum) {
		return nil, nil, ErrIntegrityFailed
	}

	bundle, err := DecodePayload(payload)
	if err != nil {
		return nil, nil, err
	}
	return header, bundle, nil
}

// Verify decrypts and checks a bundle without touching any database.
func Verify(r io.Reader, opts RestoreOptions) (*VerifyResult, error) {
	header, bundle, err := open(r, opts)
	if err != nil {
		return &VerifyResult{Valid: false, Error: err.Error()}, err
	}
	for _, t := range bundle.Tables {
		if header.Counts[t.Name] != len(t.Rows) {
			err := fmt.Errorf("%w: %s has %d rows, header says %d",
				ErrInvalidBundle, t.Name, len(t.Rows), header.Counts[t.Name])
			return &VerifyResult{Valid: false, Error: err.Error()}, err
		}
	}
	return &VerifyResult{
		Valid:            true,
		Version:          header.Version,
		SchemaVersion:    header.SchemaVersion,
		CreatedAt:        header.CreatedAt,
		Counts:           header.Counts,
		IncludesActivity: header.IncludesActivity,
	}, nil
}

// Restore loads a bundle into db in one transaction. db must already carry
// the current schema. A non-empty store is refused unless opts.Force.
func Restore(db *sql.DB, r io.Reader, opts RestoreOptions) (*RestoreResult, error) {
	logger := loggerOr(opts.Logger)

	header, bundle, err := open(r, opts)
	if err != nil {
		return nil, err
	}

	tables := append([]string(nil), domainTables...)
	if bundle.table(ActivityTable) != nil {
		tables = append(tables, ActivityTable)
	}
	known := make(map[string]bool, len(tables))
	for _, name := range tables {
		known[name] = true
	}
	for _, t := range bundle.Tables {
		if !known[t.Name] {
			return nil, fmt.Errorf("%w: unknown table %q", ErrInvalidBundle, t.Name)
		}
	}

	result := &RestoreResult{Header: header, Rows: make(map[string]int)}

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("backup: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	occupied, err := hasRows(tx, tables)
	if err != nil {
		return nil, err
	}
	if occupied {
		if !opts.Force {
			return nil, ErrNotEmpty
		}
		for i := len(tables) - 1; i >= 0; i-- {
			if _, err := tx.Exec("DELETE FROM " + tables[i]); err != nil {
				return nil, fmt.Errorf("backup: failed to clear %s: %w", tables[i], err)
			}
		}
		result.Replaced = true
	}

	for _, name := range tables {
		t := bundle.table(name)
		if t == nil {
			continue
		}
		n, err := restoreTable(tx, t)
		if err != nil {
			return nil, err
		}
		result.Rows[name] = n
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("backup: failed to commit restore: %w", err)
	}

	logger.Info("backup restored",
		"secrets", result.Rows["secrets"],
		"policies", result.Rows["policies"],
		"replaced", result.Replaced)
	return result, nil
}

func hasRows(tx *sql.Tx, tables []string) (bool, error) {
	for _, name := range tables {
		var n int
		if err := tx.QueryRow("SELECT COUNT(*) FROM " + name).Scan(&n); err != nil {
			return false, fmt.Errorf("backup: failed to inspect %s: %w", name, err)
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// tableColumns lists the live columns of a table.
func tableColumns(tx *sql.Tx, name string) (map[string]bool, error) {
	rows, err := tx.Query("PRAGMA table_info(" + name + ")")
	if err != nil {
		return nil, fmt.Errorf("backup: failed to inspect %s: %w", name, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var cid, notNull, pk int
		var colName, colType string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("backup: failed to inspect %s: %w", name, err)
		}
		cols[colName] = true
	}
	return cols, rows.Err()
}

func restoreTable(tx *sql.Tx, t *Table) (int, error) {
	live, err := tableColumns(tx, t.Name)
	if err != nil {
		return 0, err
	}
	for _, c := range t.Columns {
		if !live[c] {
			return 0, fmt.Errorf("%w: %s has unknown column %q", ErrInvalidBundle, t.Name, c)
		}
	}
	if len(t.Rows) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(t.Columns)), ", ")
	stmt, err := tx.Prepare(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.Name, strings.Join(t.Columns, ", "), placeholders))
	if err != nil {
		return 0, fmt.Errorf("backup: failed to prepare %s insert: %w", t.Name, err)
	}
	defer stmt.Close()

	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return 0, fmt.Errorf("%w: %s row %d has %d values, want %d",
				ErrInvalidBundle, t.Name, i, len(row), len(t.Columns))
		}
		if _, err := stmt.Exec(row...); err != nil {
			return 0, fmt.Errorf("backup: failed to restore %s row %d: %w", t.Name, i, err)
		}
	}
	return len(t.Rows), nil
}
