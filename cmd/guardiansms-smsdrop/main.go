// guardiansms-smsdrop hands messages received by a modem daemon to the
// guardiansms inbox.
//
// smstools3 (/etc/smsd.conf):
//
//	eventhandler = /usr/local/bin/guardiansms-smsdrop
//
// The handler is called as "guardiansms-smsdrop RECEIVED <file>"; other
// events are ignored.
//
// gammu-smsd (/etc/gammu-smsdrc):
//
//	RunOnReceive = /usr/local/bin/guardiansms-smsdrop
//
// The message is read from the SMS_* environment variables. With neither,
// an smstools-format message is read from stdin.
//
// Environment variables:
//
//	GUARDIANSMS_INBOX      inbox directory (default: /var/lib/guardiansms/inbox)
//	GUARDIANSMS_STATE      state directory for flood limits (default: /var/lib/guardiansms/state)
//	GUARDIANSMS_BLOCKLIST  blocked senders file (default: /etc/guardiansms/blocklist.txt)
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ppiankov/guardiansms/internal/smsdrop"
)

func main() {
	cfg := smsdrop.Config{
		InboxDir:      envOrDefault("GUARDIANSMS_INBOX", "/var/lib/guardiansms/inbox"),
		BlocklistFile: envOrDefault("GUARDIANSMS_BLOCKLIST", "/etc/guardiansms/blocklist.txt"),
		FloodDir:      filepath.Join(envOrDefault("GUARDIANSMS_STATE", "/var/lib/guardiansms/state"), "flood"),
		FloodBudget:   30,
		FloodWindow:   10 * time.Minute,
	}

	sms, err := readSMS(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "guardiansms-smsdrop: %v\n", err)
		os.Exit(1)
	}
	if sms == nil {
		return
	}

	path, err := smsdrop.Drop(cfg, sms)
	switch {
	case errors.Is(err, smsdrop.ErrBlocked), errors.Is(err, smsdrop.ErrRateLimited):
		// The modem daemon must not retry these.
		fmt.Fprintf(os.Stderr, "guardiansms-smsdrop: dropped: %v\n", err)
	case err != nil:
		fmt.Fprintf(os.Stderr, "guardiansms-smsdrop: %v\n", err)
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "guardiansms-smsdrop: spooled %s\n", path)
	}
}

// readSMS picks the hand-over style. A nil message means the event is not a
// received SMS.
func readSMS(args []string) (*smsdrop.SMS, error) {
	if len(args) >= 1 && args[0] != "RECEIVED" && os.Getenv("SMS_1_NUMBER") == "" {
		return nil, nil
	}
	if len(args) >= 2 && args[0] == "RECEIVED" {
		raw, err := os.ReadFile(args[1])
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", args[1], err)
		}
		return smsdrop.ParseSMSTools(raw)
	}
	if os.Getenv("SMS_1_NUMBER") != "" {
		return smsdrop.FromGammuEnv(os.Getenv)
	}

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty input")
	}
	return smsdrop.ParseSMSTools(raw)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
