package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/guardiansms/internal/config"
	"github.com/ppiankov/guardiansms/internal/systemd"
)

var (
	initMode           string
	initInstallSystemd bool
	initClassifierUnit bool
	initForce          bool
)

// unitDir is where --install-systemd writes units.
var unitDir = "/etc/systemd/system"

func init() {
	initCmd.Flags().StringVar(&initMode, "mode", "user", "Config location: user (~/.config/guardiansms) or system (/etc/guardiansms)")
	initCmd.Flags().BoolVar(&initInstallSystemd, "install-systemd", false, "Install guardiansms.service (requires root)")
	initCmd.Flags().BoolVar(&initClassifierUnit, "with-classifier", false, "Also install guardiansms-classifier.service and point the config at it")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config files")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap guardiansms configuration and optional systemd integration",
	Long: `Creates the config file, an .env template and the spool directories.

User mode (default):  writes to ~/.config/guardiansms/, spools under ~/.local/share/guardiansms/
System mode:          writes to /etc/guardiansms/, spools under /var/lib/guardiansms/ (requires root)

With --install-systemd: installs guardiansms.service (Restart=always,
WantedBy=multi-user.target) and records its hash for integrity checks.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	configDir, dataDir, err := initDirs()
	if err != nil {
		return err
	}

	cfg := config.Default()
	cfg.Dirs = config.DirsConfig{
		Inbox: filepath.Join(dataDir, "inbox"),
		State: filepath.Join(dataDir, "state"),
	}
	if initClassifierUnit {
		cfg.Classifier.Kind = config.ClassifierGRPC
		cfg.Classifier.GRPCAddr = "127.0.0.1:7441"
	}

	var created []string

	configFile := filepath.Join(configDir, "config.yaml")
	content, err := defaultConfigYAML(cfg)
	if err != nil {
		return fmt.Errorf("generate default config: %w", err)
	}
	if wrote, err := writeIfMissing(configFile, content); err != nil {
		return err
	} else if wrote {
		created = append(created, configFile)
	}

	envFile := filepath.Join(configDir, "guardiansms.env")
	if wrote, err := writeIfMissing(envFile, defaultEnv); err != nil {
		return err
	} else if wrote {
		created = append(created, envFile)
	}

	for _, dir := range []string{cfg.Dirs.Inbox, cfg.Dirs.State} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	if initInstallSystemd {
		units, err := installUnits(cfg, configFile)
		if err != nil {
			return err
		}
		created = append(created, units...)
	}

	fmt.Println("guardiansms init complete.")
	fmt.Println()
	if len(created) > 0 {
		fmt.Println("Created:")
		for _, path := range created {
			fmt.Printf("  %s\n", path)
		}
		fmt.Println()
	} else {
		fmt.Println("All files already exist (use --force to overwrite).")
		fmt.Println()
	}

	fmt.Println("Grant capabilities:")
	fmt.Printf("  guardiansms consent --config %s\n", configFile)
	fmt.Println()
	if initInstallSystemd {
		fmt.Println("Enable the guardian:")
		fmt.Println("  sudo systemctl enable --now guardiansms")
	} else {
		fmt.Println("Run the guardian:")
		fmt.Printf("  guardiansms daemon --config %s\n", configFile)
	}
	return nil
}

func installUnits(cfg *config.Config, configFile string) ([]string, error) {
	if runtime.GOOS != "linux" {
		return nil, fmt.Errorf("--install-systemd is only supported on Linux")
	}
	if os.Geteuid() != 0 {
		return nil, fmt.Errorf("--install-systemd requires root; run with sudo")
	}

	opts := systemd.DefaultUnitOptions()
	opts.Config = configFile
	opts.Inbox = cfg.Dirs.Inbox
	opts.State = cfg.Dirs.State

	var created []string
	path, err := systemd.WriteUnit(unitDir, "guardiansms.service", systemd.UnitTemplate(opts))
	if err != nil {
		return nil, err
	}
	created = append(created, path)

	if initClassifierUnit {
		path, err := systemd.WriteUnit(unitDir, "guardiansms-classifier.service", systemd.ClassifierTemplate(opts, cfg.Classifier.GRPCAddr))
		if err != nil {
			return nil, err
		}
		created = append(created, path)
	}

	if err := systemd.RecordUnitFileHash(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: record unit hash: %v\n", err)
	}
	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: systemctl daemon-reload failed: %v\n", err)
	}
	return created, nil
}

// initDirs returns the config and data directories based on mode.
func initDirs() (string, string, error) {
	switch initMode {
	case "system":
		return "/etc/guardiansms", "/var/lib/guardiansms", nil
	case "user", "":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(home, ".config", "guardiansms"), filepath.Join(home, ".local", "share", "guardiansms"), nil
	default:
		return "", "", fmt.Errorf("unknown mode %q: use 'user' or 'system'", initMode)
	}
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

func defaultConfigYAML(cfg *config.Config) (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	header := "# guardiansms configuration.\n" +
		"# classifier.kind: linkguard | grpc | llm | bridge\n" +
		"# Durations use Go syntax (60s, 5m). classifier.timeout: 0 waits forever.\n" +
		"#\n"
	return header + string(data), nil
}

const defaultEnv = `# guardiansms environment overrides, loaded before the config.
# GUARDIANSMS_LISTEN=127.0.0.1:7440
# GUARDIANSMS_CLASSIFIER=llm
# GUARDIANSMS_CLASSIFIER_URL=http://localhost:11434/v1/chat/completions
# GUARDIANSMS_API_KEY=
# GUARDIANSMS_MODEL=llama3.2
# GUARDIANSMS_POLL=false
`
