package systemd

import (
	"fmt"
	"os"
	"path/filepath"
)

// UnitOptions fills in the guardiansms unit templates.
type UnitOptions struct {
	Binary string // absolute path of the guardiansms binary
	User   string
	Config string
	Inbox  string
	State  string
}

// DefaultUnitOptions matches the default configuration layout.
func DefaultUnitOptions() UnitOptions {
	return UnitOptions{
		Binary: "/usr/local/bin/guardiansms",
		User:   "guardiansms",
		Config: "/etc/guardiansms/config.yaml",
		Inbox:  "/var/lib/guardiansms/inbox",
		State:  "/var/lib/guardiansms/state",
	}
}

// UnitTemplate returns guardiansms.service. Restart=always brings the
// guardian back after it is killed; WantedBy=multi-user.target starts it on
// boot, where it re-arms protection.
func UnitTemplate(o UnitOptions) string {
	return fmt.Sprintf(`[Unit]
Description=guardiansms SMS threat guardian
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
User=%[2]s
Group=%[2]s
EnvironmentFile=-/etc/guardiansms/guardiansms.env
ExecStart=%[1]s daemon --config %[3]s
Restart=always
RestartSec=2

# Security hardening
NoNewPrivileges=true
ProtectSystem=strict
ProtectHome=true
PrivateTmp=true
ProtectKernelTunables=true
ProtectKernelModules=true
ProtectControlGroups=true
RestrictNamespaces=true
RestrictSUIDSGID=true
MemoryDenyWriteExecute=true
LockPersonality=true
ReadWritePaths=%[4]s %[5]s

# Resource limits
MemoryMax=256M
TasksMax=64

[Install]
WantedBy=multi-user.target
`, o.Binary, o.User, o.Config, o.Inbox, o.State)
}

// ClassifierTemplate returns guardiansms-classifier.service, the reference
// link classifier served over gRPC.
func ClassifierTemplate(o UnitOptions, listen string) string {
	return fmt.Sprintf(`[Unit]
Description=guardiansms reference link classifier
After=network-online.target
Before=guardiansms.service

[Service]
Type=simple
User=%[2]s
ExecStart=%[1]s classifier serve --listen %[3]s
Restart=on-failure
RestartSec=2
NoNewPrivileges=true
ProtectSystem=strict
ProtectHome=true
PrivateTmp=true

[Install]
WantedBy=multi-user.target
`, o.Binary, o.User, listen)
}

// WriteUnit writes content to dir/name atomically and returns the path.
func WriteUnit(dir, name, content string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create unit dir: %w", err)
	}
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("write unit: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("install unit: %w", err)
	}
	return path, nil
}
