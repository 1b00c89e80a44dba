package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/guardiansms/internal/permission"
)

var (
	grantRevoke bool
	grantAll    bool
)

func init() {
	grantCmd.Flags().BoolVar(&grantRevoke, "revoke", false, "Revoke instead of grant")
	grantCmd.Flags().BoolVar(&grantAll, "all", false, "Apply to every capability supported on the configured API level")
	rootCmd.AddCommand(consentCmd)
	rootCmd.AddCommand(grantCmd)
}

var consentCmd = &cobra.Command{
	Use:   "consent",
	Short: "Interactively grant the capabilities the guardian needs",
	Long: `Prompts for every capability that is not granted yet and records the
answers in the grants file. Without a terminal every missing capability is
denied.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		platform := permission.NewFilePlatform(cfg.Permissions.File, cfg.APILevel, false)
		tc := permission.NewTerminalConsent(platform)

		var result permission.PermissionSet
		tc.RequestConsent(permission.Capabilities(cfg.APILevel), func(set permission.PermissionSet) {
			result = set
		})
		printGrants(os.Stdout, result)
		return nil
	},
}

var grantCmd = &cobra.Command{
	Use:   "grant [CAPABILITY]...",
	Short: "Grant or revoke capabilities without prompting",
	Long:  "Capabilities: " + strings.Join(capabilityNames(permission.Capabilities(permission.NotificationConsentLevel)), ", "),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		platform := permission.NewFilePlatform(cfg.Permissions.File, cfg.APILevel, false)
		if err := applyGrants(platform, cfg.APILevel, args, grantAll, !grantRevoke); err != nil {
			return err
		}
		printGrants(cmd.OutOrStdout(), permission.NewGatekeeper(platform, nil).Query())
		return nil
	},
}

func applyGrants(p *permission.FilePlatform, apiLevel int, names []string, all, granted bool) error {
	supported := permission.Capabilities(apiLevel)
	var caps []permission.Capability
	if all {
		caps = supported
	} else {
		for _, n := range names {
			c := permission.Capability(strings.ToUpper(strings.TrimSpace(n)))
			if !containsCapability(supported, c) {
				return fmt.Errorf("unknown capability %q on API level %d", n, apiLevel)
			}
			caps = append(caps, c)
		}
	}
	if len(caps) == 0 {
		return fmt.Errorf("name at least one capability or use --all")
	}
	for _, c := range caps {
		if err := p.Set(c, granted); err != nil {
			return fmt.Errorf("record %s: %w", c, err)
		}
	}
	return nil
}

func containsCapability(caps []permission.Capability, c permission.Capability) bool {
	for _, x := range caps {
		if x == c {
			return true
		}
	}
	return false
}

func capabilityNames(caps []permission.Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}

func printGrants(w io.Writer, set permission.PermissionSet) {
	names := make([]string, 0, len(set))
	for c := range set {
		names = append(names, string(c))
	}
	sort.Strings(names)
	for _, n := range names {
		if set[permission.Capability(n)] {
			fmt.Fprintf(w, "  %-20s %s\n", n, colorGreen.Sprint("granted"))
		} else {
			fmt.Fprintf(w, "  %-20s %s\n", n, colorRed.Sprint("denied"))
		}
	}
}
