package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/guardiansms/internal/intercept"
)

var injectSender string

func init() {
	injectCmd.Flags().StringVar(&injectSender, "sender", "+15550100", "Originating address")
	rootCmd.AddCommand(injectCmd)
}

var injectCmd = &cobra.Command{
	Use:   "inject <text>...",
	Short: "Spool a synthetic inbound SMS into the inbox",
	Long: `Encodes the text as SMS-DELIVER PDUs and drops an sms_received event into
the inbox, exactly as the modem gateway does. Long texts are split into
concatenated parts.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path, parts, err := injectSMS(cfg.Dirs.Inbox, injectSender, strings.Join(args, " "), time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "spooled %s (%d part(s))\n", path, parts)
		return nil
	},
}

func injectSMS(inbox, sender, text string, at time.Time) (string, int, error) {
	ev, err := intercept.NewEvent(sender, text, at)
	if err != nil {
		return "", 0, err
	}
	path, err := intercept.WriteEvent(inbox, ev)
	if err != nil {
		return "", 0, fmt.Errorf("spool event: %w", err)
	}
	return path, len(ev.PDUs), nil
}
