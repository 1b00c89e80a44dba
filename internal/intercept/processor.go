package intercept

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Processor moves spool events through inbox -> processing -> done and runs
// the listener on them.
type Processor struct {
	dirs     Dirs
	listener *Listener
	log      io.Writer
}

// NewProcessor creates a processor for dirs.
func NewProcessor(dirs Dirs, listener *Listener) *Processor {
	return &Processor{dirs: dirs, listener: listener, log: os.Stderr}
}

// SetLogOutput redirects processor log lines.
func (p *Processor) SetLogOutput(w io.Writer) {
	p.log = w
}

// Process handles a single event file: move to processing, parse, hand to
// the listener, remove. Unparseable events are moved to state/failed.
func (p *Processor) Process(ctx context.Context, path string) error {
	// Structural symlink defense: a symlinked inbox entry could point
	// anywhere on the filesystem.
	fi, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("stat event file: %w", err)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("rejected symlink: %s", filepath.Base(path))
	}

	// Move first so a crash mid-decode leaves the event for RecoverOrphans.
	processingPath := filepath.Join(p.dirs.ProcessingDir(), filepath.Base(path))
	if err := moveFile(path, processingPath); err != nil {
		return fmt.Errorf("move to processing: %w", err)
	}
	return p.handle(ctx, processingPath)
}

func (p *Processor) handle(_ context.Context, processingPath string) error {
	key := filepath.Base(processingPath)

	fi, err := os.Stat(processingPath)
	if err != nil {
		return fmt.Errorf("stat processing file: %w", err)
	}
	data, err := os.ReadFile(processingPath)
	if err != nil {
		return fmt.Errorf("read event file: %w", err)
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		fmt.Fprintf(p.log, "listener: event %s: invalid JSON: %v\n", key, err)
		if err := moveFile(processingPath, filepath.Join(p.dirs.FailedDir(), key)); err != nil {
			return fmt.Errorf("move to failed: %w", err)
		}
		return nil
	}
	if ev.ReceivedAt.IsZero() {
		// Stable across re-reads, unlike time.Now.
		ev.ReceivedAt = fi.ModTime()
	}

	n := p.listener.OnReceive(key, ev)
	if n < len(ev.PDUs) {
		fmt.Fprintf(p.log, "listener: event %s: %d of %d fragments handed off\n", key, n, len(ev.PDUs))
	}

	_ = os.Remove(processingPath)
	return nil
}

// RecoverOrphans re-processes events left in state/processing by a crash.
// Message ids are derived from the event, so the guardian recognises
// fragments it already handled.
func (p *Processor) RecoverOrphans(ctx context.Context) (int, error) {
	procDir := p.dirs.ProcessingDir()
	entries, err := os.ReadDir(procDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	recovered := 0
	for _, e := range entries {
		if e.IsDir() || !isEventFile(e.Name()) {
			continue
		}
		if err := p.handle(ctx, filepath.Join(procDir, e.Name())); err != nil {
			fmt.Fprintf(p.log, "listener: recover orphan %s: %v\n", e.Name(), err)
			continue
		}
		recovered++
	}
	return recovered, nil
}
