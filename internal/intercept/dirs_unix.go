//go:build !windows

package intercept

import (
	"fmt"
	"os"
	"syscall"
)

// deviceID returns the device ID of the filesystem containing path.
func deviceID(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("unsupported platform for device ID check")
	}
	return uint64(stat.Dev), nil
}

// ValidateSameFilesystem reports whether inbox and state share a filesystem.
// Moves between them then stay atomic renames instead of copy + remove.
func ValidateSameFilesystem(d Dirs) error {
	inbox, err := deviceID(d.Inbox)
	if err != nil {
		return err
	}
	state, err := deviceID(d.State)
	if err != nil {
		return err
	}
	if inbox != state {
		return fmt.Errorf("inbox %s and state %s are on different filesystems", d.Inbox, d.State)
	}
	return nil
}
