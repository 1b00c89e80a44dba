package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/guardiansms/internal/api"
	"github.com/ppiankov/guardiansms/internal/bridge"
	"github.com/ppiankov/guardiansms/internal/model"
	"github.com/ppiankov/guardiansms/internal/notify"
)

var statusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print raw JSON")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show protection state, missing permissions and visible alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		c, err := dialDaemon(ctx)
		if err != nil {
			return err
		}
		defer c.Close()
		return runStatus(ctx, c, os.Stdout, statusJSON)
	},
}

type statusReport struct {
	Status        api.ProtectionStatus  `json:"status"`
	Notifications []notify.Notification `json:"notifications"`
}

func runStatus(ctx context.Context, c bridge.Caller, w io.Writer, asJSON bool) error {
	var rep statusReport
	raw, err := c.Call(ctx, api.MethodGetProtectionStatus, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &rep.Status); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	raw, err = c.Call(ctx, api.MethodListNotifications, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &rep.Notifications); err != nil {
		return fmt.Errorf("decode notifications: %w", err)
	}

	if asJSON {
		out, _ := json.MarshalIndent(rep, "", "  ")
		fmt.Fprintln(w, string(out))
		return nil
	}

	st := rep.Status
	if st.Active {
		fmt.Fprintf(w, "Protection: %s (%s)\n", colorGreen.Sprint("ACTIVE"), st.State)
	} else {
		fmt.Fprintf(w, "Protection: %s (%s)\n", colorRed.Sprint("OFF"), st.State)
	}
	fmt.Fprintf(w, "Queue: %d queued, %d in flight, %d restarts\n", st.Queued, st.InFlight, st.Restarts)
	if len(st.MissingPermissions) > 0 {
		fmt.Fprintf(w, "Missing permissions:")
		for _, p := range st.MissingPermissions {
			fmt.Fprintf(w, " %s", colorYellow.Sprint(p))
		}
		fmt.Fprintln(w)
	}

	var threats []notify.Notification
	for _, n := range rep.Notifications {
		if n.Kind == notify.KindThreat {
			threats = append(threats, n)
		}
	}
	if len(threats) == 0 {
		fmt.Fprintln(w, "No threat alerts")
		return nil
	}
	fmt.Fprintf(w, "Threat alerts (%d):\n", len(threats))
	for _, n := range threats {
		fmt.Fprintf(w, "  %s %s risk %s from %s: %s\n",
			colorDim.Sprint(n.PostedAt.Local().Format("2006-01-02 15:04:05")),
			n.Slot,
			colorRed.Sprintf("%d", n.RiskScore),
			n.Sender,
			model.Truncate(n.Body, 80))
	}
	return nil
}
