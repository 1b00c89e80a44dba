package smsdrop

import (
	"errors"
	"fmt"
	"time"

	"github.com/ppiankov/guardiansms/internal/intercept"
)

// ErrBlocked is returned for senders on the blocklist.
var ErrBlocked = errors.New("sender is blocked")

// Config holds drop configuration.
type Config struct {
	InboxDir      string
	BlocklistFile string
	FloodDir      string
	FloodBudget   int
	FloodWindow   time.Duration
}

// Drop checks sms against the blocklist and the flood limit, then spools it
// into the inbox as SMS-DELIVER PDUs. Returns the event path.
func Drop(cfg Config, sms *SMS) (string, error) {
	if cfg.InboxDir == "" {
		return "", fmt.Errorf("inbox directory is required")
	}

	bl, err := LoadBlocklist(cfg.BlocklistFile)
	if err != nil {
		return "", fmt.Errorf("blocklist: %w", err)
	}
	if bl.Blocked(sms.From) {
		return "", fmt.Errorf("%w: %s", ErrBlocked, sms.From)
	}

	if cfg.FloodDir != "" {
		g := NewFloodGuard(cfg.FloodDir, cfg.FloodBudget, cfg.FloodWindow)
		if err := g.Admit(sms.From); err != nil {
			return "", err
		}
	}

	ev, err := intercept.NewEvent(sms.From, sms.Body, sms.Sent)
	if err != nil {
		return "", err
	}
	path, err := intercept.WriteEvent(cfg.InboxDir, ev)
	if err != nil {
		return "", fmt.Errorf("spool: %w", err)
	}
	return path, nil
}
