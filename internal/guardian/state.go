package guardian

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// State is the guardian lifecycle state.
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
)

// ProtectionState is the process-wide "protection active" flag. When backed
// by a file it is read once at creation and written on every change, so a
// restarted process can re-derive it.
type ProtectionState struct {
	mu     sync.Mutex
	active bool
	path   string
}

type protectionFile struct {
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewProtectionState creates the flag. An empty path keeps it in memory.
func NewProtectionState(path string) (*ProtectionState, error) {
	p := &ProtectionState{path: path}
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, fmt.Errorf("read protection state: %w", err)
	}
	var f protectionFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse protection state: %w", err)
	}
	p.active = f.Active
	return p, nil
}

// Active reports whether protection is on.
func (p *ProtectionState) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// SetActive updates the flag and persists it. On a write error the in-memory
// flag keeps its previous value.
func (p *ProtectionState) SetActive(active bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.path != "" {
		if err := p.write(active); err != nil {
			return err
		}
	}
	p.active = active
	return nil
}

func (p *ProtectionState) write(active bool) error {
	data, err := json.MarshalIndent(protectionFile{Active: active, UpdatedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal protection state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	return os.Rename(tmp, p.path)
}
