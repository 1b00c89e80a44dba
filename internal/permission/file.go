package permission

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// FilePlatform keeps grants in a YAML file of capability: true|false lines.
// Grants are re-read on every query.
type FilePlatform struct {
	path      string
	apiLevel  int
	autoGrant bool
	mu        sync.Mutex
}

// NewFilePlatform creates a platform backed by path. Consent requests that
// nobody answers interactively resolve to autoGrant.
func NewFilePlatform(path string, apiLevel int, autoGrant bool) *FilePlatform {
	return &FilePlatform{path: path, apiLevel: apiLevel, autoGrant: autoGrant}
}

// APILevel returns the configured platform API level.
func (p *FilePlatform) APILevel() int {
	return p.apiLevel
}

// Granted reports whether c is granted in the grants file.
func (p *FilePlatform) Granted(c Capability) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	grants, err := p.load()
	if err != nil {
		return false
	}
	return grants[c]
}

// RequestConsent resolves every capability not yet granted with the
// auto-grant policy and persists the outcome.
func (p *FilePlatform) RequestConsent(caps []Capability, done func(PermissionSet)) {
	result, _ := p.resolve(caps, func(Capability) bool { return p.autoGrant })
	done(result)
}

// Set records a grant decision.
func (p *FilePlatform) Set(c Capability, granted bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	grants, err := p.load()
	if err != nil {
		return err
	}
	grants[c] = granted
	return p.save(grants)
}

// resolve asks decide about every capability that is not granted yet and
// writes the merged grants back.
func (p *FilePlatform) resolve(caps []Capability, decide func(Capability) bool) (PermissionSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	grants, err := p.load()
	if err != nil {
		grants = make(PermissionSet)
	}
	result := make(PermissionSet, len(caps))
	for _, c := range caps {
		if !grants[c] {
			grants[c] = decide(c)
		}
		result[c] = grants[c]
	}
	return result, p.save(grants)
}

func (p *FilePlatform) load() (PermissionSet, error) {
	grants := make(PermissionSet)
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return grants, nil
		}
		return nil, fmt.Errorf("read grants: %w", err)
	}
	if err := yaml.Unmarshal(data, &grants); err != nil {
		return nil, fmt.Errorf("parse grants: %w", err)
	}
	return grants, nil
}

// save writes the grants file atomically.
func (p *FilePlatform) save(grants PermissionSet) error {
	data, err := yaml.Marshal(grants)
	if err != nil {
		return fmt.Errorf("marshal grants: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0750); err != nil {
		return fmt.Errorf("create grants dir: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	return os.Rename(tmp, p.path)
}

// IsInteractive reports whether stdin is a terminal.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// TerminalConsent asks the user about each missing capability with a y/N
// prompt. Without a terminal every missing capability is denied.
type TerminalConsent struct {
	*FilePlatform
	In          io.Reader
	Out         io.Writer
	Interactive func() bool
}

// NewTerminalConsent wraps p with prompts on stdin/stderr.
func NewTerminalConsent(p *FilePlatform) *TerminalConsent {
	return &TerminalConsent{FilePlatform: p, In: os.Stdin, Out: os.Stderr, Interactive: IsInteractive}
}

// RequestConsent prompts for every capability not yet granted.
func (t *TerminalConsent) RequestConsent(caps []Capability, done func(PermissionSet)) {
	interactive := t.Interactive != nil && t.Interactive()
	reader := bufio.NewReader(t.In)

	result, err := t.resolve(caps, func(c Capability) bool {
		if !interactive {
			return false
		}
		fmt.Fprintf(t.Out, "Allow guardiansms to use %s? [y/N]: ", c)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return false
		}
		switch strings.TrimSpace(strings.ToLower(line)) {
		case "y", "yes":
			return true
		}
		return false
	})
	if err != nil {
		fmt.Fprintf(t.Out, "permission: save grants: %v\n", err)
	}
	done(result)
}
