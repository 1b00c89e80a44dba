package intercept

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	debounceDefault = 200 * time.Millisecond
	pollDefault     = 5 * time.Second

	// Several concurrent SMS events is already a burst; decoding is cheap.
	eventWorkers = 5
	// eventQueue absorbs a burst of spooled events without blocking the
	// debounce flush.
	eventQueue = 200
)

// dispatcher runs the event handler and contains handler panics, so one bad
// spool file cannot take a watcher down.
type dispatcher struct {
	handler func(path string)
	log     io.Writer
}

func (d *dispatcher) dispatch(path string) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(d.log, "watcher: %s: recovered panic: %v\n", filepath.Base(path), r)
		}
	}()
	d.handler(path)
}

// SetLogOutput redirects watcher logs.
func (d *dispatcher) SetLogOutput(w io.Writer) {
	d.log = w
}

// InboxWatcher reports new event files in the inbox using fsnotify.
type InboxWatcher struct {
	dispatcher
	inbox    string
	debounce time.Duration
}

// NewInboxWatcher creates a watcher for the inbox directory.
func NewInboxWatcher(inbox string, handler func(path string)) *InboxWatcher {
	return &InboxWatcher{
		dispatcher: dispatcher{handler: handler, log: os.Stderr},
		inbox:      inbox,
		debounce:   debounceDefault,
	}
}

// Run watches the inbox until ctx is cancelled. Events are collected behind
// a single debounce timer and handed to a fixed worker pool; files still
// queued at shutdown are handled before Run returns.
func (w *InboxWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()

	if err := fw.Add(w.inbox); err != nil {
		return fmt.Errorf("watch %s: %w", w.inbox, err)
	}

	var mu sync.Mutex
	pending := make(map[string]struct{})
	queue := make(chan string, eventQueue)

	var wg sync.WaitGroup
	for i := 0; i < eventWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range queue {
				w.dispatch(path)
			}
		}()
	}

	flush := func() {
		mu.Lock()
		batch := make([]string, 0, len(pending))
		for p := range pending {
			batch = append(batch, p)
		}
		pending = make(map[string]struct{})
		mu.Unlock()

		for _, p := range batch {
			select {
			case queue <- p:
			case <-ctx.Done():
				return
			}
		}
	}

	timer := time.NewTimer(w.debounce)
	timer.Stop()

	defer func() {
		timer.Stop()
		flush()
		close(queue)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timer.C:
			flush()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			// WriteEvent renames into place, which fsnotify reports as Create.
			if !ev.Has(fsnotify.Create) || !isEventFile(ev.Name) {
				continue
			}
			mu.Lock()
			pending[ev.Name] = struct{}{}
			mu.Unlock()
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(w.log, "watcher: %v\n", err)
		}
	}
}

// PollWatcher scans the inbox on an interval. It replaces InboxWatcher on
// filesystems without inotify support (NFS, some bind mounts).
type PollWatcher struct {
	dispatcher
	inbox    string
	interval time.Duration
	seen     map[string]struct{}
}

// NewPollWatcher creates a polling watcher. A zero interval polls every 5s.
func NewPollWatcher(inbox string, handler func(path string), interval time.Duration) *PollWatcher {
	if interval <= 0 {
		interval = pollDefault
	}
	return &PollWatcher{
		dispatcher: dispatcher{handler: handler, log: os.Stderr},
		inbox:      inbox,
		interval:   interval,
		seen:       make(map[string]struct{}),
	}
}

// Run polls the inbox until ctx is cancelled.
func (w *PollWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.scan()
		}
	}
}

// scan hands each unseen event file to the handler once. Files that left
// the inbox are forgotten so the seen set stays as small as the inbox.
func (w *PollWatcher) scan() {
	entries, err := os.ReadDir(w.inbox)
	if err != nil {
		fmt.Fprintf(w.log, "watcher: scan %s: %v\n", w.inbox, err)
		return
	}
	present := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(w.inbox, e.Name())
		if !isEventFile(path) {
			continue
		}
		present[path] = struct{}{}
		if _, ok := w.seen[path]; ok {
			continue
		}
		w.seen[path] = struct{}{}
		w.dispatch(path)
	}
	for path := range w.seen {
		if _, ok := present[path]; !ok {
			delete(w.seen, path)
		}
	}
}

// ScanExisting hands every event file already in the inbox to handler.
// A missing inbox is not an error.
func ScanExisting(inbox string, handler func(path string)) error {
	entries, err := os.ReadDir(inbox)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(inbox, e.Name())
		if isEventFile(path) {
			handler(path)
		}
	}
	return nil
}

// isEventFile accepts finished .json spool files, not .tmp partial writes.
func isEventFile(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, ".tmp")
}
