package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ppiankov/guardiansms/internal/bridge"
	"github.com/ppiankov/guardiansms/internal/config"
)

var (
	configPath string
	envFiles   []string
	daemonAddr string
)

var rootCmd = &cobra.Command{
	Use:   "guardiansms",
	Short: "SMS threat guardian",
	Long:  "Intercepts inbound SMS, sends each message to a classifier exactly once and raises a high-priority alert for every message judged malicious.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			color.NoColor = true
		}
		return config.LoadEnvFiles(envFiles...)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML (default $GUARDIANSMS_CONFIG or "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env", "/etc/guardiansms/guardiansms.env"}, ".env files loaded before the config")
	rootCmd.PersistentFlags().StringVar(&daemonAddr, "addr", "", "Daemon bridge address (default: listen from config)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// dialDaemon connects to the running daemon's bridge.
func dialDaemon(ctx context.Context) (*bridge.Client, error) {
	addr := daemonAddr
	if addr == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		addr = cfg.Listen
	}
	c, err := bridge.Dial(ctx, "ws://"+addr+"/bridge")
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable at %s: %w", addr, err)
	}
	return c, nil
}
