// Package vault owns the process-wide vault key and the passcode lifecycle
// that produces it.
//
// A Session holds the derived key in memory while the vault is unlocked.
// A Keeper verifies passcodes against the vault_state row, enforces unlock
// cooldowns and feeds the resulting key into a Session. Secret repositories
// read the key through the store.KeySource interface that Session
// implements.
package vault

import (
	"sync"
	"time"

	"github.com/agenshield/agenshield/pkg/crypto"
)

// Session holds the vault key between Unlock and Lock. The zero value is
// not usable; call NewSession.
type Session struct {
	mu         sync.Mutex
	key        []byte
	pinned     bool
	unlockedAt time.Time
	timeout    time.Duration
	now        func() time.Time
}

// NewSession returns a locked session. A positive timeout relocks the
// session that long after each Unlock; zero disables expiry.
func NewSession(timeout time.Duration) *Session {
	return &Session{timeout: timeout, now: time.Now}
}

// SetClock replaces the session clock. Intended for tests.
func (s *Session) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Unlock stores a copy of key, replacing and wiping any previous key. The
// caller keeps ownership of key.
func (s *Session) Unlock(key []byte) error {
	if len(key) != crypto.KeyLength {
		return crypto.ErrInvalidKeyLength
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.wipeLocked()
	s.key = make([]byte, len(key))
	copy(s.key, key)
	s.pinned = lockMemory(s.key) == nil
	s.unlockedAt = s.now()
	return nil
}

// Lock wipes the key. Locking a locked session is a no-op.
func (s *Session) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wipeLocked()
}

func (s *Session) wipeLocked() {
	if s.key == nil {
		return
	}
	crypto.SecureWipe(s.key)
	if s.pinned {
		unlockMemory(s.key)
	}
	s.key = nil
	s.pinned = false
	s.unlockedAt = time.Time{}
}

// expireLocked relocks the session once its timeout has passed.
func (s *Session) expireLocked() {
	if s.key == nil || s.timeout <= 0 {
		return
	}
	if !s.now().Before(s.unlockedAt.Add(s.timeout)) {
		s.wipeLocked()
	}
}

// IsUnlocked reports whether a key is held and has not expired.
func (s *Session) IsUnlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	return s.key != nil
}

// Key returns a copy of the vault key. The caller must wipe it with
// crypto.SecureWipe when done.
func (s *Session) Key() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	if s.key == nil {
		return nil, ErrVaultLocked
	}
	out := make([]byte, len(s.key))
	copy(out, s.key)
	return out, nil
}

// ExpiresAt returns when the session relocks. ok is false while locked or
// when the session never expires.
func (s *Session) ExpiresAt() (t time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	if s.key == nil || s.timeout <= 0 {
		return time.Time{}, false
	}
	return s.unlockedAt.Add(s.timeout), true
}
