//go:build !linux && !darwin && !freebsd

package vault

import "errors"

func lockMemory(b []byte) error {
	return errors.New("vault: memory locking not supported on this platform")
}

func unlockMemory(b []byte) {}
