package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/guardiansms/internal/arming"
	"github.com/ppiankov/guardiansms/internal/daemon"
)

var daemonBootEvent string

func init() {
	daemonCmd.Flags().StringVar(&daemonBootEvent, "boot-event", "", "Arm as if this system event fired (boot_completed, package_replaced, my_package_replaced)")
	rootCmd.AddCommand(daemonCmd)
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the SMS guardian",
	Long: `Watches the inbox spool for SMS transport events, classifies every
decoded message and posts a threat alert for each malicious one.

On start the daemon re-arms protection after a host boot or an upgrade and
resumes it after a plain restart when it was active. The UI bridge listens
on the configured address (ws://<listen>/bridge).`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	d, err := daemon.New(daemon.Config{
		Settings:  cfg,
		Version:   version,
		BootEvent: arming.Event(daemonBootEvent),
		Log:       os.Stderr,
	})
	if err != nil {
		return err
	}
	defer d.Close() //nolint:errcheck // best-effort cleanup on exit

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Fprintf(os.Stderr, "guardiansms %s: inbox %s, classifier %s\n", version, cfg.Dirs.Inbox, cfg.Classifier.Kind)
	return d.Run(ctx)
}
