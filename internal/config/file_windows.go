//go:build windows

package config

import (
	"fmt"
	"os"
)

func openConfigFile(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("config: failed to open %s: %w", path, err)
	}
	return f, nil
}

// checkFileOwnership is not enforced on Windows.
func checkFileOwnership(info os.FileInfo) error {
	return nil
}
