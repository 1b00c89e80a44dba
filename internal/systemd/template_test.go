package systemd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestUnitTemplate(t *testing.T) {
	tmpl := UnitTemplate(DefaultUnitOptions())

	for _, section := range []string{"[Unit]", "[Service]", "[Install]"} {
		if !strings.Contains(tmpl, section) {
			t.Errorf("template missing section %s", section)
		}
	}

	for _, want := range []string{
		"ExecStart=/usr/local/bin/guardiansms daemon --config /etc/guardiansms/config.yaml",
		"User=guardiansms",
		"Restart=always",
		"WantedBy=multi-user.target",
		"ReadWritePaths=/var/lib/guardiansms/inbox /var/lib/guardiansms/state",
	} {
		if !strings.Contains(tmpl, want) {
			t.Errorf("template missing %q", want)
		}
	}

	for _, directive := range []string{"NoNewPrivileges=true", "PrivateTmp=true", "ProtectSystem=strict"} {
		if !strings.Contains(tmpl, directive) {
			t.Errorf("template missing security directive %s", directive)
		}
	}
}

func TestUnitTemplateCustomPaths(t *testing.T) {
	o := DefaultUnitOptions()
	o.Binary = "/opt/gs/bin/guardiansms"
	o.Inbox = "/srv/gs/inbox"
	o.State = "/srv/gs/state"
	tmpl := UnitTemplate(o)

	if !strings.Contains(tmpl, "ExecStart=/opt/gs/bin/guardiansms daemon") {
		t.Error("custom binary not used")
	}
	if !strings.Contains(tmpl, "ReadWritePaths=/srv/gs/inbox /srv/gs/state") {
		t.Error("custom dirs not used")
	}
}

func TestClassifierTemplate(t *testing.T) {
	tmpl := ClassifierTemplate(DefaultUnitOptions(), "127.0.0.1:7441")
	if !strings.Contains(tmpl, "classifier serve --listen 127.0.0.1:7441") {
		t.Error("template missing classifier serve command")
	}
	if !strings.Contains(tmpl, "Before=guardiansms.service") {
		t.Error("classifier should start before the guardian")
	}
}

func TestWriteUnit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "units")
	content := UnitTemplate(DefaultUnitOptions())

	path, err := WriteUnit(dir, "guardiansms.service", content)
	if err != nil {
		t.Fatalf("WriteUnit: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != content {
		t.Error("unit content mismatch")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}
