package systemd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// UnitFilePaths are the locations searched for guardiansms.service.
var UnitFilePaths = []string{
	"/etc/systemd/system/guardiansms.service",
	"/lib/systemd/system/guardiansms.service",
}

// UnitHashPath holds the hash of the unit file recorded at install time.
var UnitHashPath = "/var/lib/guardiansms/state/unit-file.sha256"

// findUnit returns the first existing unit file, or "".
func findUnit() string {
	for _, p := range UnitFilePaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// CheckUnitFileIntegrity returns a warning when the installed unit no longer
// matches the recorded hash. A weakened unit (Restart= removed, WantedBy=
// dropped) silently disables restart and boot re-arming. Returns "" when
// there is nothing to compare.
func CheckUnitFileIntegrity() string {
	unit := findUnit()
	if unit == "" {
		return ""
	}
	stored, err := os.ReadFile(UnitHashPath)
	if err != nil {
		return ""
	}
	want := strings.TrimSpace(string(stored))
	if len(want) != sha256.Size*2 {
		return ""
	}

	got, err := hashFile(unit)
	if err != nil {
		return fmt.Sprintf("cannot read unit file %s: %v", unit, err)
	}
	if got == want {
		return ""
	}
	return fmt.Sprintf("systemd unit file %s has been modified since installation (expected %s, got %s)",
		unit, want[:16], got[:16])
}

// RecordUnitFileHash stores the hash of the installed unit as the baseline.
func RecordUnitFileHash() error {
	unit := findUnit()
	if unit == "" {
		return fmt.Errorf("no unit file found in %s", strings.Join(UnitFilePaths, ", "))
	}
	sum, err := hashFile(unit)
	if err != nil {
		return fmt.Errorf("hash unit file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(UnitHashPath), 0750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return os.WriteFile(UnitHashPath, []byte(sum+"\n"), 0600)
}
