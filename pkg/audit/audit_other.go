//go:build !linux && !darwin && !freebsd

package audit

// checkDiskSpace is not implemented on this platform.
func checkDiskSpace(dir string) error {
	return nil
}
