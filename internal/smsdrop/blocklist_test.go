package smsdrop

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBlocklist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocklist.txt")
	content := "# scammers\n+57 300-123-4567\n\n+57350*\nPROMO\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	bl, err := LoadBlocklist(path)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		sender  string
		blocked bool
	}{
		{"+573001234567", true},
		{"+573509998877", true},
		{"promo", true},
		{"+573001234568", false},
		{"BANCO", false},
	}
	for _, tt := range tests {
		if got := bl.Blocked(tt.sender); got != tt.blocked {
			t.Errorf("Blocked(%q) = %v, want %v", tt.sender, got, tt.blocked)
		}
	}
}

func TestBlocklistMissingFile(t *testing.T) {
	bl, err := LoadBlocklist(filepath.Join(t.TempDir(), "absent.txt"))
	if err != nil {
		t.Fatalf("missing file should be an empty blocklist: %v", err)
	}
	if bl.Blocked("+573001234567") {
		t.Error("empty blocklist blocks nothing")
	}
}
