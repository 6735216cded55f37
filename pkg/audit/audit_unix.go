//go:build linux || darwin || freebsd

package audit

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// checkDiskSpace refuses writes when dir has less than MinAuditDiskSpace
// free. A failed statfs does not block the write.
func checkDiskSpace(dir string) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return nil
	}

	available := uint64(stat.Bavail) * uint64(stat.Bsize)
	if available < MinAuditDiskSpace {
		return fmt.Errorf("audit: insufficient disk space: only %d bytes available, need at least %d",
			available, MinAuditDiskSpace)
	}
	return nil
}
