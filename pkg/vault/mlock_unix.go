//go:build linux || darwin || freebsd

package vault

import "golang.org/x/sys/unix"

// lockMemory pins b so the key is never written to swap. Failure (usually
// RLIMIT_MEMLOCK) leaves the key usable but pageable.
func lockMemory(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Mlock(b)
}

func unlockMemory(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = unix.Munlock(b)
}
