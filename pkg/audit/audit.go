// Package audit records activity events in the activity_events table and
// chains them with BLAKE3 so edits and deletions inside the retained window
// are detectable.
package audit

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// MinAuditDiskSpace is the free space required before an event is written.
const MinAuditDiskSpace = 1024 * 1024

// GenesisHash is the prev_hash of the first event in a fresh chain.
const GenesisHash = "genesis"

// Operation types
const (
	OpVaultSetup          = "vault.setup"
	OpVaultUnlock         = "vault.unlock"
	OpVaultUnlockFailed   = "vault.unlock_failed"
	OpVaultLock           = "vault.lock"
	OpVaultPasscodeChange = "vault.passcode_change"

	OpPolicyCreate    = "policy.create"
	OpPolicyUpdate    = "policy.update"
	OpPolicyDelete    = "policy.delete"
	OpPolicyDeleteAll = "policy.delete_all"
	OpPolicySeed      = "policy.seed"

	OpSecretCreate = "secret.create"
	OpSecretUpdate = "secret.update"
	OpSecretDelete = "secret.delete"
	OpSecretGet    = "secret.get"

	OpConfigSet   = "config.set"
	OpConfigClear = "config.clear"

	OpBackupExport  = "backup.export"
	OpBackupRestore = "backup.restore"

	OpActivityPrune = "activity.prune"

	OpMCPCall = "mcp.call"
)

// Source identifies where the operation originated
const (
	SourceCLI = "cli"
	SourceMCP = "mcp"
)

// Result indicates the outcome of an operation
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultDenied  = "denied"
)

// ResultKey is the details key Record reads the result from. It is removed
// from the stored context.
const ResultKey = "result"

// timeLayout sorts lexicographically, so ts comparisons happen in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Event is a single activity record.
type Event struct {
	ID        string         `json:"id"`
	Sequence  int64          `json:"seq"`
	Timestamp time.Time      `json:"ts"`
	Operation string         `json:"op"`
	Source    string         `json:"source"`
	Subject   string         `json:"subject,omitempty"`
	Result    string         `json:"result"`
	Error     *ErrorInfo     `json:"error,omitempty"`
	Context   map[string]any `json:"ctx,omitempty"`
	PrevHash  string         `json:"prev"`
	Hash      string         `json:"hash"`

	// context is the stored JSON text the hash was computed over.
	context string
}

// ErrorInfo contains error details
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Options configures a Logger.
type Options struct {
	// Dir is checked for free space before each write. Empty skips the check.
	Dir    string
	Logger *slog.Logger
	Now    func() time.Time
}

// Logger appends chained events to activity_events.
type Logger struct {
	db     *sql.DB
	source string
	dir    string
	logger *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// NewLogger creates a logger that stamps every event with source.
func NewLogger(db *sql.DB, source string, opts Options) *Logger {
	l := &Logger{db: db, source: source, dir: opts.Dir, logger: opts.Logger, now: opts.Now}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// DirFor returns the directory holding a database file, or "" for an
// in-memory database.
func DirFor(dbPath string) string {
	if dbPath == "" || dbPath == ":memory:" {
		return ""
	}
	return filepath.Dir(dbPath)
}

// Log records an event and extends the chain.
func (l *Logger) Log(op, result, subject string, errInfo *ErrorInfo, ctx map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.dir != "" {
		if err := checkDiskSpace(l.dir); err != nil {
			return err
		}
	}

	event := Event{
		ID:        generateULID(l.now()),
		Timestamp: l.now().UTC(),
		Operation: op,
		Source:    l.source,
		Subject:   subject,
		Result:    result,
		Error:     errInfo,
		Context:   ctx,
	}
	if len(ctx) > 0 {
		data, err := json.Marshal(ctx)
		if err != nil {
			return fmt.Errorf("audit: failed to marshal context: %w", err)
		}
		event.context = string(data)
	}

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("audit: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var lastSeq sql.NullInt64
	var lastHash sql.NullString
	err = tx.QueryRow("SELECT seq, hash FROM activity_events ORDER BY seq DESC LIMIT 1").
		Scan(&lastSeq, &lastHash)
	switch {
	case err == sql.ErrNoRows:
		event.Sequence = 1
		event.PrevHash = GenesisHash
	case err != nil:
		return fmt.Errorf("audit: failed to read chain head: %w", err)
	default:
		event.Sequence = lastSeq.Int64 + 1
		event.PrevHash = lastHash.String
	}
	event.Hash = hashRecord(&event)

	var errCode, errMsg, context any
	if errInfo != nil {
		errCode, errMsg = errInfo.Code, errInfo.Message
	}
	if event.context != "" {
		context = event.context
	}
	_, err = tx.Exec(`
		INSERT INTO activity_events
			(id, seq, ts, op, source, subject, result, error_code, error_message, context, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Sequence, event.Timestamp.Format(timeLayout), event.Operation,
		event.Source, event.Subject, event.Result, errCode, errMsg, context,
		event.PrevHash, event.Hash)
	if err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit: failed to commit event: %w", err)
	}
	return nil
}

// LogSuccess is a convenience method for successful operations
func (l *Logger) LogSuccess(op, subject string) error {
	return l.Log(op, ResultSuccess, subject, nil, nil)
}

// LogError is a convenience method for failed operations
func (l *Logger) LogError(op, subject, errCode, errMsg string) error {
	return l.Log(op, ResultError, subject, &ErrorInfo{Code: errCode, Message: errMsg}, nil)
}

// LogDenied is a convenience method for denied operations
func (l *Logger) LogDenied(op, subject, reason string) error {
	return l.Log(op, ResultDenied, subject, nil, map[string]any{"reason": reason})
}

// Record implements store.Recorder. details[ResultKey] overrides the
// default success result.
func (l *Logger) Record(op, subject string, details map[string]any) error {
	result := ResultSuccess
	var ctx map[string]any
	for k, v := range details {
		if k == ResultKey {
			if s, ok := v.(string); ok && s != "" {
				result = s
			}
			continue
		}
		if ctx == nil {
			ctx = make(map[string]any, len(details))
		}
		ctx[k] = v
	}
	return l.Log(op, result, subject, nil, ctx)
}

// hashRecord covers every stored column except hash itself.
func hashRecord(event *Event) string {
	errorData := ""
	if event.Error != nil {
		errorData = event.Error.Code + "|" + event.Error.Message
	}
	data := strings.Join([]string{
		event.ID,
		fmt.Sprint(event.Sequence),
		event.Timestamp.UTC().Format(timeLayout),
		event.Operation,
		event.Source,
		event.Subject,
		event.Result,
		errorData,
		event.context,
		event.PrevHash,
	}, "|")
	sum := blake3.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// generateULID creates a time-sortable identifier: 48-bit millisecond
// timestamp followed by 80 random bits, hex encoded.
func generateULID(now time.Time) string {
	ts := now.UnixMilli()
	b := make([]byte, 16)
	for i := 5; i >= 0; i-- {
		b[i] = byte(ts & 0xFF)
		ts >>= 8
	}
	if _, err := rand.Read(b[6:]); err != nil {
		return fmt.Sprintf("%012x%d", now.UnixMilli(), now.UnixNano())
	}
	return hex.EncodeToString(b)
}

const eventColumns = `id, seq, ts, op, source, subject, result, error_code, error_message, context, prev_hash, hash`

func scanEvents(rows *sql.Rows) ([]Event, error) {
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var e Event
		var ts string
		var errCode, errMsg, context sql.NullString
		if err := rows.Scan(&e.ID, &e.Sequence, &ts, &e.Operation, &e.Source, &e.Subject,
			&e.Result, &errCode, &errMsg, &context, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("audit: failed to scan event: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("audit: event %s has malformed timestamp: %w", e.ID, err)
		}
		e.Timestamp = t
		if errCode.Valid || errMsg.Valid {
			e.Error = &ErrorInfo{Code: errCode.String, Message: errMsg.String}
		}
		if context.Valid {
			e.context = context.String
			if err := json.Unmarshal([]byte(context.String), &e.Context); err != nil {
				return nil, fmt.Errorf("audit: event %s has malformed context: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: failed to read events: %w", err)
	}
	return events, nil
}

// List returns events in chain order. limit keeps the most recent events
// (0 = all); a non-zero since keeps events strictly after it.
func (l *Logger) List(limit int, since time.Time) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	query := "SELECT " + eventColumns + " FROM activity_events"
	var args []any
	if !since.IsZero() {
		query += " WHERE ts > ?"
		args = append(args, since.UTC().Format(timeLayout))
	}
	query += " ORDER BY seq DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list events: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })
	return events, nil
}

// VerifyResult contains the results of chain verification
type VerifyResult struct {
	Valid           bool     `json:"valid"`
	RecordsTotal    int      `json:"records_total"`
	RecordsVerified int      `json:"records_verified"`
	FirstBrokenSeq  int64    `json:"first_broken_seq,omitempty"`
	Errors          []string `json:"errors,omitempty"`
}

func (r *VerifyResult) fail(seq int64, format string, args ...any) {
	if r.Valid {
		r.FirstBrokenSeq = seq
	}
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Verify walks the chain. The oldest retained event anchors the walk, so a
// pruned log still verifies.
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query("SELECT " + eventColumns + " FROM activity_events ORDER BY seq ASC")
	if err != nil {
		return nil, fmt.Errorf("audit: failed to read events: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true, RecordsTotal: len(events)}
	if len(events) == 0 {
		return result, nil
	}

	expectedPrev := events[0].PrevHash
	expectedSeq := events[0].Sequence
	for i := range events {
		event := &events[i]
		if event.Sequence != expectedSeq {
			result.fail(event.Sequence, "sequence gap at record %s: expected %d, got %d",
				event.ID, expectedSeq, event.Sequence)
		}
		if event.PrevHash != expectedPrev {
			result.fail(event.Sequence, "chain broken at record %s: expected prev %s, got %s",
				event.ID, expectedPrev, event.PrevHash)
		}
		if hashRecord(event) != event.Hash {
			result.fail(event.Sequence, "hash mismatch at record %s: possible tampering", event.ID)
		} else {
			result.RecordsVerified++
		}
		expectedPrev = event.Hash
		expectedSeq = event.Sequence + 1
	}
	return result, nil
}

// Prune deletes events older than olderThan and returns how many were
// removed.
func (l *Logger) Prune(olderThan time.Duration) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-olderThan).UTC().Format(timeLayout)
	res, err := l.db.Exec("DELETE FROM activity_events WHERE ts < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit: failed to prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("audit: failed to prune events: %w", err)
	}
	if n > 0 {
		l.logger.Info("pruned activity events", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// PrunePreview returns the count of events Prune would delete.
func (l *Logger) PrunePreview(olderThan time.Duration) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-olderThan).UTC().Format(timeLayout)
	var n int64
	if err := l.db.QueryRow("SELECT COUNT(*) FROM activity_events WHERE ts < ?", cutoff).Scan(&n); err != nil {
		return 0, fmt.Errorf("audit: failed to count events: %w", err)
	}
	return n, nil
}
