package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/guardiansms/internal/bridge"
)

var callTimeout time.Duration

func init() {
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 10*time.Second, "Call timeout")
	rootCmd.AddCommand(callCmd)
}

var callCmd = &cobra.Command{
	Use:   "call <method> [json-args]",
	Short: "Invoke a UI bridge method on the running daemon",
	Long: `Calls one bridge method and prints its JSON result. Examples:

  guardiansms call getProtectionStatus
  guardiansms call startSMSProtection
  guardiansms call showThreatNotification '{"body":"test","riskScore":90}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()

		c, err := dialDaemon(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		return runCall(ctx, c, os.Stdout, args[0], args[1:])
	},
}

func runCall(ctx context.Context, c bridge.Caller, w io.Writer, method string, rest []string) error {
	var callArgs any
	if len(rest) == 1 {
		if !json.Valid([]byte(rest[0])) {
			return fmt.Errorf("arguments must be valid JSON")
		}
		callArgs = json.RawMessage(rest[0])
	}

	out, err := c.Call(ctx, method, callArgs)
	if err != nil {
		var be *bridge.Error
		if errors.As(err, &be) {
			return fmt.Errorf("%s: %s", be.Code, be.Message)
		}
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, out, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(out)
	}
	fmt.Fprintln(w, pretty.String())
	return nil
}
