package vault

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agenshield/agenshield/pkg/audit"
	"github.com/agenshield/agenshield/pkg/crypto"
	"github.com/agenshield/agenshield/pkg/store"
)

// Unlock attempt limits: 5 failures -> 30s, 10 -> 5min, 20 -> 30min.
const (
	CooldownThreshold1 = 5
	CooldownThreshold2 = 10
	CooldownThreshold3 = 20
	CooldownDuration1  = 30 * time.Second
	CooldownDuration2  = 5 * time.Minute
	CooldownDuration3  = 30 * time.Minute
)

// Errors
var (
	ErrVaultLocked         = errors.New("vault: vault is locked")
	ErrNotInitialized      = errors.New("vault: vault is not initialized")
	ErrAlreadyInitialized  = errors.New("vault: vault is already initialized")
	ErrInvalidPasscode     = errors.New("vault: invalid passcode")
	ErrTooManyAttempts     = errors.New("vault: too many failed unlock attempts")
	ErrCooldownActive      = errors.New("vault: cooldown period active")
	ErrPasscodeTooShort    = errors.New("vault: passcode too short")
	ErrPasscodeTooLong     = errors.New("vault: passcode too long")
	ErrVaultStateCorrupted = errors.New("vault: vault state is corrupted")
)

// KeeperOptions configures a Keeper.
type KeeperOptions struct {
	// MinPasscodeLength defaults to MinPasscodeLength.
	MinPasscodeLength int
	Logger            *slog.Logger
	Recorder          store.Recorder
	Now               func() time.Time
}

// Keeper manages the passcode stored in vault_state and unlocks a Session.
type Keeper struct {
	db        *sql.DB
	session   *Session
	minLength int
	logger    *slog.Logger
	recorder  store.Recorder
	now       func() time.Time

	mu sync.Mutex
}

// NewKeeper binds a keeper to the store database and a session.
func NewKeeper(db *sql.DB, session *Session, opts KeeperOptions) *Keeper {
	k := &Keeper{
		db:        db,
		session:   session,
		minLength: opts.MinPasscodeLength,
		logger:    opts.Logger,
		recorder:  opts.Recorder,
		now:       opts.Now,
	}
	if k.minLength <= 0 {
		k.minLength = MinPasscodeLength
	}
	if k.logger == nil {
		k.logger = slog.Default()
	}
	if k.now == nil {
		k.now = time.Now
	}
	return k
}

// Session returns the session the keeper unlocks.
func (k *Keeper) Session() *Session {
	return k.session
}

// lockState mirrors the vault_state row.
type lockState struct {
	salt           []byte
	passcodeHash   string
	failedAttempts int
	lastAttempt    *time.Time
	cooldownUntil  *time.Time
}

func parseOptionalTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVaultStateCorrupted, err)
	}
	return &t, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (k *Keeper) loadState() (*lockState, error) {
	var st lockState
	var lastAttempt, cooldownUntil sql.NullString
	err := k.db.QueryRow(`
		SELECT salt, passcode_hash, failed_attempts, last_attempt, cooldown_until
		FROM vault_state WHERE id = 1`,
	).Scan(&st.salt, &st.passcodeHash, &st.failedAttempts, &lastAttempt, &cooldownUntil)
	if err == sql.ErrNoRows {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("vault: failed to read vault state: %w", err)
	}
	if len(st.salt) != crypto.SaltLength {
		return nil, ErrVaultStateCorrupted
	}
	if st.lastAttempt, err = parseOptionalTime(lastAttempt); err != nil {
		return nil, err
	}
	if st.cooldownUntil, err = parseOptionalTime(cooldownUntil); err != nil {
		return nil, err
	}
	return &st, nil
}

func (k *Keeper) validatePasscode(passcode string) error {
	result := ValidatePasscode(passcode, k.minLength)
	if result.Valid {
		return nil
	}
	msg := strings.Join(result.Warnings, "; ")
	if len([]rune(passcode)) > MaxPasscodeLength {
		return fmt.Errorf("%w: %s", ErrPasscodeTooLong, msg)
	}
	return fmt.Errorf("%w: %s", ErrPasscodeTooShort, msg)
}

func (k *Keeper) record(op, result string, details map[string]any) {
	if k.recorder == nil {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	details[audit.ResultKey] = result
	if err := k.recorder.Record(op, "", details); err != nil {
		k.logger.Warn("failed to record activity", "op", op, "error", err)
	}
}

// IsInitialized reports whether a passcode has been set.
func (k *Keeper) IsInitialized() (bool, error) {
	var n int
	if err := k.db.QueryRow("SELECT COUNT(*) FROM vault_state").Scan(&n); err != nil {
		return false, fmt.Errorf("vault: failed to read vault state: %w", err)
	}
	return n > 0, nil
}

// Setup sets the first passcode and leaves the session unlocked.
func (k *Keeper) Setup(passcode string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.validatePasscode(passcode); err != nil {
		return err
	}
	initialized, err := k.IsInitialized()
	if err != nil {
		return err
	}
	if initialized {
		return ErrAlreadyInitialized
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	hash, err := crypto.HashPasscode(passcode, salt)
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}

	now := formatTime(k.now())
	_, err = k.db.Exec(`
		INSERT INTO vault_state (id, salt, passcode_hash, failed_attempts, created_at, updated_at)
		VALUES (1, ?, ?, 0, ?, ?)`, salt, hash, now, now)
	if err != nil {
		return fmt.Errorf("vault: failed to store vault state: %w", err)
	}

	key := crypto.DeriveKey([]byte(passcode), salt)
	defer crypto.SecureWipe(key)
	if err := k.session.Unlock(key); err != nil {
		return err
	}

	k.logger.Info("vault initialized")
	k.record(audit.OpVaultSetup, audit.ResultSuccess, nil)
	return nil
}

// checkCooldown returns ErrCooldownActive while a cooldown is running.
func (k *Keeper) checkCooldown(st *lockState) error {
	if st.cooldownUntil == nil {
		return nil
	}
	now := k.now()
	if now.Before(*st.cooldownUntil) {
		remaining := st.cooldownUntil.Sub(now)
		return fmt.Errorf("%w: please wait %v", ErrCooldownActive, remaining.Round(time.Second))
	}
	return nil
}

// recordFailedAttempt counts a failure and returns the cooldown it
// triggered, if any. Thresholds apply to the cumulative count.
func (k *Keeper) recordFailedAttempt(st *lockState) (time.Duration, error) {
	st.failedAttempts++
	now := k.now()

	var cooldown time.Duration
	switch {
	case st.failedAttempts >= CooldownThreshold3:
		cooldown = CooldownDuration3
	case st.failedAttempts >= CooldownThreshold2:
		cooldown = CooldownDuration2
	case st.failedAttempts >= CooldownThreshold1:
		cooldown = CooldownDuration1
	}

	var cooldownUntil any
	if cooldown > 0 {
		cooldownUntil = formatTime(now.Add(cooldown))
	}
	_, err := k.db.Exec(`
		UPDATE vault_state
		SET failed_attempts = ?, last_attempt = ?, cooldown_until = ?, updated_at = ?
		WHERE id = 1`,
		st.failedAttempts, formatTime(now), cooldownUntil, formatTime(now))
	if err != nil {
		return cooldown, fmt.Errorf("vault: failed to record unlock attempt: %w", err)
	}
	return cooldown, nil
}

func (k *Keeper) clearFailedAttempts() error {
	_, err := k.db.Exec(`
		UPDATE vault_state
		SET failed_attempts = 0, last_attempt = NULL, cooldown_until = NULL, updated_at = ?
		WHERE id = 1`, formatTime(k.now()))
	if err != nil {
		return fmt.Errorf("vault: failed to clear lock state: %w", err)
	}
	return nil
}

// verify checks passcode against st, counting failures.
func (k *Keeper) verify(st *lockState, passcode string) error {
	if err := k.checkCooldown(st); err != nil {
		return err
	}
	if crypto.VerifyPasscode(passcode, st.salt, st.passcodeHash) {
		return nil
	}

	cooldown, err := k.recordFailedAttempt(st)
	if err != nil {
		k.logger.Warn("failed to record unlock attempt", "error", err)
	}
	k.record(audit.OpVaultUnlockFailed, audit.ResultError, map[string]any{"attempts": st.failedAttempts})
	if cooldown > 0 {
		return fmt.Errorf("%w: cooldown activated for %v", ErrTooManyAttempts, cooldown.Round(time.Second))
	}
	return ErrInvalidPasscode
}

// Unlock verifies passcode and unlocks the session.
func (k *Keeper) Unlock(passcode string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	st, err := k.loadState()
	if err != nil {
		return err
	}
	if err := k.verify(st, passcode); err != nil {
		return err
	}

	key := crypto.DeriveKey([]byte(passcode), st.salt)
	defer crypto.SecureWipe(key)
	if err := k.session.Unlock(key); err != nil {
		return err
	}

	if st.failedAttempts > 0 {
		if err := k.clearFailedAttempts(); err != nil {
			k.logger.Warn("failed to clear lock state", "error", err)
		}
	}
	k.record(audit.OpVaultUnlock, audit.ResultSuccess, nil)
	return nil
}

// Lock wipes the session key.
func (k *Keeper) Lock() {
	wasUnlocked := k.session.IsUnlocked()
	k.session.Lock()
	if wasUnlocked {
		k.record(audit.OpVaultLock, audit.ResultSuccess, nil)
	}
}

// ChangePasscode replaces the passcode and re-encrypts every stored secret
// under the new key in one transaction. On success the session holds the
// new key.
func (k *Keeper) ChangePasscode(oldPasscode, newPasscode string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.validatePasscode(newPasscode); err != nil {
		return err
	}
	st, err := k.loadState()
	if err != nil {
		return err
	}
	if err := k.verify(st, oldPasscode); err != nil {
		return err
	}

	oldKey := crypto.DeriveKey([]byte(oldPasscode), st.salt)
	defer crypto.SecureWipe(oldKey)

	newSalt, err := crypto.GenerateSalt()
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	newHash, err := crypto.HashPasscode(newPasscode, newSalt)
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	newKey := crypto.DeriveKey([]byte(newPasscode), newSalt)
	defer crypto.SecureWipe(newKey)

	count, err := k.rekey(oldKey, newKey, newSalt, newHash)
	if err != nil {
		return err
	}
	if err := k.session.Unlock(newKey); err != nil {
		return err
	}

	k.logger.Info("vault passcode changed", "secrets_reencrypted", count)
	k.record(audit.OpVaultPasscodeChange, audit.ResultSuccess, map[string]any{"secrets": count})
	return nil
}

type sealedValue struct {
	id    string
	value string
}

func (k *Keeper) rekey(oldKey, newKey, newSalt []byte, newHash string) (int, error) {
	tx, err := k.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("vault: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query("SELECT id, value FROM secrets")
	if err != nil {
		return 0, fmt.Errorf("vault: failed to read secrets: %w", err)
	}
	var sealed []sealedValue
	for rows.Next() {
		var sv sealedValue
		if err := rows.Scan(&sv.id, &sv.value); err != nil {
			rows.Close()
			return 0, fmt.Errorf("vault: failed to read secrets: %w", err)
		}
		sealed = append(sealed, sv)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("vault: failed to read secrets: %w", err)
	}
	rows.Close()

	for _, sv := range sealed {
		plaintext, err := crypto.DecryptString(sv.value, oldKey)
		if err != nil {
			return 0, fmt.Errorf("vault: failed to decrypt secret %s: %w", sv.id, err)
		}
		resealed, err := crypto.EncryptString(plaintext, newKey)
		if err != nil {
			return 0, fmt.Errorf("vault: failed to encrypt secret %s: %w", sv.id, err)
		}
		if _, err := tx.Exec("UPDATE secrets SET value = ? WHERE id = ?", resealed, sv.id); err != nil {
			return 0, fmt.Errorf("vault: failed to update secret %s: %w", sv.id, err)
		}
	}

	_, err = tx.Exec(`
		UPDATE vault_state
		SET salt = ?, passcode_hash = ?, failed_attempts = 0, last_attempt = NULL,
			cooldown_until = NULL, updated_at = ?
		WHERE id = 1`, newSalt, newHash, formatTime(k.now()))
	if err != nil {
		return 0, fmt.Errorf("vault: failed to update vault state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("vault: failed to commit passcode change: %w", err)
	}
	return len(sealed), nil
}

// Status describes the vault for display.
type Status struct {
	Initialized    bool       `json:"initialized"`
	Unlocked       bool       `json:"unlocked"`
	FailedAttempts int        `json:"failedAttempts"`
	CooldownUntil  *time.Time `json:"cooldownUntil,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

// Status reports initialization, lock state and any active cooldown.
func (k *Keeper) Status() (*Status, error) {
	status := &Status{Unlocked: k.session.IsUnlocked()}
	if exp, ok := k.session.ExpiresAt(); ok {
		status.ExpiresAt = &exp
	}

	st, err := k.loadState()
	if errors.Is(err, ErrNotInitialized) {
		return status, nil
	}
	if err != nil {
		return nil, err
	}
	status.Initialized = true
	status.FailedAttempts = st.failedAttempts
	if st.cooldownUntil != nil && k.now().Before(*st.cooldownUntil) {
		status.CooldownUntil = st.cooldownUntil
	}
	return status, nil
}
