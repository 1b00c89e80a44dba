package smsdrop

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// Blocklist holds senders the user blocked. Their messages never reach the
// inbox.
type Blocklist struct {
	patterns []string
}

// LoadBlocklist reads one pattern per line. Lines starting with # are
// comments. A pattern is an exact sender or a prefix ending in '*'
// (+57300*). A missing file is an empty blocklist.
func LoadBlocklist(path string) (*Blocklist, error) {
	if path == "" {
		return &Blocklist{}, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Blocklist{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open blocklist: %w", err)
	}
	defer func() { _ = f.Close() }()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, normalizeSender(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read blocklist: %w", err)
	}
	return &Blocklist{patterns: patterns}, nil
}

// Blocked reports whether sender matches any pattern. Matching ignores case
// and the spaces and dashes people type into phone numbers.
func (b *Blocklist) Blocked(sender string) bool {
	sender = normalizeSender(sender)
	for _, p := range b.patterns {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(sender, prefix) {
				return true
			}
			continue
		}
		if p == sender {
			return true
		}
	}
	return false
}

func normalizeSender(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(s)
}
