package intercept

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
)

// dirPerm is the permission for spool directories.
const dirPerm = 0750

// Dirs is the spool layout.
type Dirs struct {
	Inbox string // transport events dropped by the modem gateway
	State string // state/{processing,failed} plus daemon state files
}

// DefaultDirs returns the layout used by the systemd unit.
func DefaultDirs() Dirs {
	return Dirs{
		Inbox: "/var/lib/guardiansms/inbox",
		State: "/var/lib/guardiansms/state",
	}
}

// ProcessingDir holds events being decoded. Files left here were interrupted.
func (d Dirs) ProcessingDir() string {
	return filepath.Join(d.State, "processing")
}

// FailedDir holds events that could not be parsed.
func (d Dirs) FailedDir() string {
	return filepath.Join(d.State, "failed")
}

// EnsureDirs creates all spool directories. Idempotent.
func EnsureDirs(d Dirs) error {
	for _, dir := range []string{d.Inbox, d.State, d.ProcessingDir(), d.FailedDir()} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// WriteEvent drops ev into inbox atomically (tmp + rename) and returns the
// final path.
func WriteEvent(inbox string, ev Event) (string, error) {
	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	name := fmt.Sprintf("sms-%s.json", uuid.NewString())
	finalPath := filepath.Join(inbox, name)
	tmpPath := finalPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return "", fmt.Errorf("write temp: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	return finalPath, nil
}

// moveFile moves src to dst using os.Rename. If rename fails with EXDEV
// (cross-device link, common with systemd ReadWritePaths bind mounts),
// it falls back to copy + remove.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) || errno != syscall.EXDEV {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// copyFile copies src to dst preserving permissions and modification time.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// Message ids fall back to the event mtime, keep it across devices.
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
