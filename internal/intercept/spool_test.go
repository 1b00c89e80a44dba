package intercept

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func setupDirs(t *testing.T) Dirs {
	t.Helper()
	root := t.TempDir()
	d := Dirs{
		Inbox: filepath.Join(root, "inbox"),
		State: filepath.Join(root, "state"),
	}
	if err := EnsureDirs(d); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	return d
}

func newTestProcessor(t *testing.T, dirs Dirs) (*Processor, *recordingEnqueuer) {
	t.Helper()
	g := &recordingEnqueuer{}
	l := NewListener(g)
	l.SetLogOutput(&bytes.Buffer{})
	p := NewProcessor(dirs, l)
	p.SetLogOutput(&bytes.Buffer{})
	return p, g
}

func TestProcessorHandsOffAndCleansUp(t *testing.T) {
	dirs := setupDirs(t)
	p, g := newTestProcessor(t, dirs)

	path, err := WriteEvent(dirs.Inbox, Event{
		Action:     ActionSMSReceived,
		PDUs:       encodePDUs(t, "+1555", "hello"),
		ReceivedAt: time.UnixMilli(1000),
	})
	if err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	if err := p.Process(context.Background(), path); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(g.messages()) != 1 {
		t.Fatalf("expected 1 message, got %d", len(g.messages()))
	}
	for _, dir := range []string{dirs.Inbox, dirs.ProcessingDir(), dirs.FailedDir()} {
		entries, _ := os.ReadDir(dir)
		if len(entries) != 0 {
			t.Errorf("%s should be empty, has %d entries", dir, len(entries))
		}
	}
}

func TestProcessorInvalidJSONMovesToFailed(t *testing.T) {
	dirs := setupDirs(t)
	p, g := newTestProcessor(t, dirs)

	path := filepath.Join(dirs.Inbox, "bad.json")
	if err := os.WriteFile(path, []byte("not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := p.Process(context.Background(), path); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if len(g.messages()) != 0 {
		t.Error("expected no messages")
	}
	if _, err := os.Stat(filepath.Join(dirs.FailedDir(), "bad.json")); err != nil {
		t.Errorf("expected bad.json in failed dir: %v", err)
	}
}

func TestProcessorRejectsSymlink(t *testing.T) {
	dirs := setupDirs(t)
	p, _ := newTestProcessor(t, dirs)

	target := filepath.Join(t.TempDir(), "outside.json")
	if err := os.WriteFile(target, []byte(`{"action":"sms_received"}`), 0600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dirs.Inbox, "link.json")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if err := p.Process(context.Background(), link); err == nil {
		t.Fatal("expected symlink rejection")
	}
}

func TestProcessorUsesModTimeWhenArrivalMissing(t *testing.T) {
	dirs := setupDirs(t)
	p, g := newTestProcessor(t, dirs)

	path, err := WriteEvent(dirs.Inbox, Event{Action: ActionSMSReceived, PDUs: encodePDUs(t, "+1555", "hi")})
	if err != nil {
		t.Fatal(err)
	}
	mtime := time.UnixMilli(424242)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	if err := p.Process(context.Background(), path); err != nil {
		t.Fatal(err)
	}
	msgs := g.messages()
	if len(msgs) != 1 || !msgs[0].ReceivedAt.Equal(mtime) {
		t.Errorf("expected arrival from mtime, got %v", msgs)
	}
}

func TestRecoverOrphansReprocessesWithSameIDs(t *testing.T) {
	dirs := setupDirs(t)
	p, g := newTestProcessor(t, dirs)

	ev := Event{Action: ActionSMSReceived, PDUs: encodePDUs(t, "+1555", "hi"), ReceivedAt: time.UnixMilli(1000)}
	path, err := WriteEvent(dirs.Inbox, ev)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Process(context.Background(), path); err != nil {
		t.Fatal(err)
	}
	first := g.messages()[0].ID

	// Simulate a crash after the move to processing.
	orphan, err := WriteEvent(dirs.ProcessingDir(), ev)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(orphan, filepath.Join(dirs.ProcessingDir(), filepath.Base(path))); err != nil {
		t.Fatal(err)
	}

	n, err := p.RecoverOrphans(context.Background())
	if err != nil {
		t.Fatalf("RecoverOrphans: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}
	msgs := g.messages()
	if msgs[1].ID != first {
		t.Errorf("recovered id %s differs from original %s", msgs[1].ID, first)
	}
	entries, _ := os.ReadDir(dirs.ProcessingDir())
	if len(entries) != 0 {
		t.Errorf("processing dir should be empty, has %d", len(entries))
	}
}

func TestInboxWatcherDetectsNewFile(t *testing.T) {
	inbox := t.TempDir()

	var mu sync.Mutex
	var received []string

	w := NewInboxWatcher(inbox, func(path string) {
		mu.Lock()
		received = append(received, path)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = w.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	path, err := WriteEvent(inbox, Event{Action: ActionSMSReceived})
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(500 * time.Millisecond)
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 file, got %d", len(received))
	}
	if received[0] != path {
		t.Errorf("got path %q, want %q", received[0], path)
	}
}

func TestInboxWatcherSurvivesHandlerPanic(t *testing.T) {
	inbox := t.TempDir()

	var mu sync.Mutex
	count := 0
	w := NewInboxWatcher(inbox, func(path string) {
		mu.Lock()
		count++
		mu.Unlock()
		panic("handler failure")
	})
	w.SetLogOutput(&bytes.Buffer{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < 3; i++ {
		if _, err := WriteEvent(inbox, Event{Action: ActionSMSReceived}); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(500 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	if count != 3 {
		t.Errorf("expected 3 handler calls, got %d", count)
	}
}

func TestPollWatcherDoesNotDuplicate(t *testing.T) {
	inbox := t.TempDir()

	var mu sync.Mutex
	var count int

	w := NewPollWatcher(inbox, func(path string) {
		mu.Lock()
		count++
		mu.Unlock()
	}, 50*time.Millisecond)

	if err := os.WriteFile(filepath.Join(inbox, "dup-001.json"), []byte(`{}`), 0600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = w.Run(ctx) }()

	time.Sleep(300 * time.Millisecond)
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("file should be processed exactly once, got %d", count)
	}
}

func TestPollWatcherForgetsRemovedFiles(t *testing.T) {
	inbox := t.TempDir()
	path := filepath.Join(inbox, "evt-001.json")

	var calls int
	w := NewPollWatcher(inbox, func(string) { calls++ }, time.Hour)
	w.SetLogOutput(&bytes.Buffer{})

	if err := os.WriteFile(path, []byte(`{}`), 0600); err != nil {
		t.Fatal(err)
	}
	w.scan()
	w.scan()
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	w.scan()
	if len(w.seen) != 0 {
		t.Errorf("seen set should drop removed files, has %d", len(w.seen))
	}

	if err := os.WriteFile(path, []byte(`{}`), 0600); err != nil {
		t.Fatal(err)
	}
	w.scan()
	if calls != 2 {
		t.Errorf("a new file under a reused name should be handled, calls = %d", calls)
	}
}

func TestPollWatcherSurvivesHandlerPanic(t *testing.T) {
	inbox := t.TempDir()
	for _, name := range []string{"a.json", "b.json"} {
		if err := os.WriteFile(filepath.Join(inbox, name), []byte(`{}`), 0600); err != nil {
			t.Fatal(err)
		}
	}

	var calls int
	var logs bytes.Buffer
	w := NewPollWatcher(inbox, func(string) {
		calls++
		panic("decode failure")
	}, time.Hour)
	w.SetLogOutput(&logs)

	w.scan()
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if !strings.Contains(logs.String(), "recovered panic") {
		t.Errorf("panic not logged: %q", logs.String())
	}
}

func TestScanExisting(t *testing.T) {
	inbox := t.TempDir()

	for _, name := range []string{"a.json", "b.json", "c.json.tmp", "d.txt"} {
		if err := os.WriteFile(filepath.Join(inbox, name), []byte(`{}`), 0600); err != nil {
			t.Fatal(err)
		}
	}

	var received []string
	if err := ScanExisting(inbox, func(path string) {
		received = append(received, filepath.Base(path))
	}); err != nil {
		t.Fatal(err)
	}
	if len(received) != 2 {
		t.Fatalf("expected 2 .json files, got %d: %v", len(received), received)
	}

	if err := ScanExisting("/nonexistent/path", func(string) {}); err != nil {
		t.Errorf("missing inbox should not be an error: %v", err)
	}
}

func TestIsEventFile(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"sms-001.json", true},
		{"sms.json.tmp", false},
		{"readme.txt", false},
		{".hidden.json", true},
	}
	for _, tt := range tests {
		if got := isEventFile(tt.path); got != tt.want {
			t.Errorf("isEventFile(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestValidateSameFilesystem(t *testing.T) {
	d := setupDirs(t)
	if err := ValidateSameFilesystem(d); err != nil {
		t.Errorf("same tempdir should be same filesystem: %v", err)
	}

	d.State = filepath.Join(d.State, "missing")
	if err := ValidateSameFilesystem(d); err == nil {
		t.Error("expected error for a missing directory")
	}
}
