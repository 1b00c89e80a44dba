package smsdrop

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrRateLimited is returned when a sender floods the modem.
var ErrRateLimited = errors.New("sender rate limit exceeded")

const (
	defaultFloodBudget = 30
	defaultFloodWindow = 10 * time.Minute
)

// FloodGuard caps how many messages one sender may spool per window.
// Senders are compared in normalized form, so "+57 300-123-4567" and
// "+573001234567" draw on the same budget. The counters live in stateDir
// because every received SMS runs a fresh smsdrop process.
type FloodGuard struct {
	stateDir string
	budget   int
	window   time.Duration
	now      func() time.Time
}

// senderWindow is the on-disk record for one sender.
type senderWindow struct {
	Sender     string    `json:"sender"`
	Start      time.Time `json:"window_start"`
	Delivered  int       `json:"delivered"`
	Suppressed int       `json:"suppressed"`
}

// NewFloodGuard returns a guard allowing budget messages per sender per window.
func NewFloodGuard(stateDir string, budget int, window time.Duration) *FloodGuard {
	if budget <= 0 {
		budget = defaultFloodBudget
	}
	if window <= 0 {
		window = defaultFloodWindow
	}
	return &FloodGuard{stateDir: stateDir, budget: budget, window: window, now: time.Now}
}

// Admit counts one message from sender. It returns ErrRateLimited once the
// sender has used its budget for the current window; suppressed messages
// are still tallied so the flood size is visible in the state file.
func (g *FloodGuard) Admit(sender string) error {
	key := normalizeSender(sender)
	if key == "" {
		return nil
	}
	if err := os.MkdirAll(g.stateDir, 0750); err != nil {
		return fmt.Errorf("create flood state dir: %w", err)
	}

	path := g.pathFor(key)
	w := g.load(path, key)
	now := g.now().UTC()
	if w.Start.IsZero() || now.Sub(w.Start) >= g.window || now.Before(w.Start) {
		w = senderWindow{Sender: key, Start: now}
	}

	if w.Delivered >= g.budget {
		w.Suppressed++
		if err := g.store(path, w); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s sent %d messages since %s (%d suppressed)",
			ErrRateLimited, key, w.Delivered+w.Suppressed, w.Start.Format(time.RFC3339), w.Suppressed)
	}
	w.Delivered++
	return g.store(path, w)
}

// pathFor hashes the normalized sender so alphanumeric ids are safe file names.
func (g *FloodGuard) pathFor(key string) string {
	h := sha256.Sum256([]byte(key))
	return filepath.Join(g.stateDir, "sender-"+hex.EncodeToString(h[:8])+".json")
}

func (g *FloodGuard) load(path, key string) senderWindow {
	data, err := os.ReadFile(path)
	if err != nil {
		return senderWindow{}
	}
	var w senderWindow
	// A hash collision or a corrupt file starts a fresh window.
	if json.Unmarshal(data, &w) != nil || w.Sender != key {
		return senderWindow{}
	}
	return w
}

func (g *FloodGuard) store(path string, w senderWindow) error {
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write flood state: %w", err)
	}
	return os.Rename(tmp, path)
}
