// Package arming re-starts the guardian after a host boot or an upgrade of
// the guardiansms binary. Arming runs inside the service manager's start
// sequence, so it never returns an error and never panics.
package arming

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ppiankov/guardiansms/internal/model"
)

// Event is the system event that triggered arming.
type Event string

const (
	EventBootCompleted     Event = "boot_completed"
	EventPackageReplaced   Event = "package_replaced"
	EventMyPackageReplaced Event = "my_package_replaced"
)

// Budget bounds one Arm call.
const Budget = 10 * time.Second

// DefaultBootIDPath changes on every kernel boot.
const DefaultBootIDPath = "/proc/sys/kernel/random/boot_id"

const recordFile = "arming.json"

// Starter is the part of the guardian arming drives.
type Starter interface {
	Start(ctx context.Context, trigger model.Trigger) error
}

// Valid reports whether e is an event arming responds to.
func (e Event) Valid() bool {
	switch e {
	case EventBootCompleted, EventPackageReplaced, EventMyPackageReplaced:
		return true
	}
	return false
}

// Arm starts the guardian with the boot trigger for a recognised event.
// Failures and panics are logged to log and absorbed. Returns whether a
// start was attempted.
func Arm(ctx context.Context, s Starter, ev Event, log io.Writer) (attempted bool) {
	if log == nil {
		log = os.Stderr
	}
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(log, "arming: start on %s panicked: %v\n", ev, r)
		}
	}()

	if !ev.Valid() {
		fmt.Fprintf(log, "arming: ignoring event %q\n", ev)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, Budget)
	defer cancel()

	attempted = true
	if err := s.Start(ctx, model.TriggerBoot); err != nil {
		fmt.Fprintf(log, "arming: start on %s failed: %v\n", ev, err)
		return attempted
	}
	fmt.Fprintf(log, "arming: guardian started on %s\n", ev)
	return attempted
}

// Record is what the last arming check saw.
type Record struct {
	BootID    string    `json:"boot_id"`
	Version   string    `json:"version"`
	CheckedAt time.Time `json:"checked_at"`
}

// Detect compares the current boot id and binary version with the record in
// stateDir and stores the new values. Returns the event to arm with, or ""
// when this is a plain restart of the same binary within the same boot.
// A missing record counts as a boot.
func Detect(stateDir, bootIDPath, version string) (Event, error) {
	bootID := readBootID(bootIDPath)
	path := filepath.Join(stateDir, recordFile)

	prev, found, err := loadRecord(path)
	if err != nil {
		return "", err
	}

	var ev Event
	switch {
	case !found || prev.BootID != bootID:
		ev = EventBootCompleted
	case prev.Version != version:
		ev = EventMyPackageReplaced
	}

	if err := saveRecord(path, Record{BootID: bootID, Version: version, CheckedAt: time.Now().UTC()}); err != nil {
		return ev, err
	}
	return ev, nil
}

func readBootID(path string) string {
	if path == "" {
		path = DefaultBootIDPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func loadRecord(path string) (Record, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("read arming record: %w", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		// A corrupt record is replaced on the next save.
		return Record{}, false, nil
	}
	return r, true, nil
}

func saveRecord(path string, r Record) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal arming record: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	return os.Rename(tmp, path)
}
