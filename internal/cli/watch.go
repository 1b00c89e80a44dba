package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ppiankov/guardiansms/internal/api"
	"github.com/ppiankov/guardiansms/internal/bridge"
	"github.com/ppiankov/guardiansms/internal/classify"
	"github.com/ppiankov/guardiansms/internal/guardian"
	"github.com/ppiankov/guardiansms/internal/model"
)

var (
	colorRed    = color.New(color.FgRed, color.Bold)
	colorGreen  = color.New(color.FgGreen, color.Bold)
	colorYellow = color.New(color.FgYellow)
	colorCyan   = color.New(color.FgCyan)
	colorDim    = color.New(color.Faint)
)

var watchAnswer bool

func init() {
	watchCmd.Flags().BoolVar(&watchAnswer, "answer", false, "Answer classification requests with the local link guard (classifier kind: bridge)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream daemon events (received SMS, permission results)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		c, err := dialDaemon(ctx)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Subscribe(); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}

		var answer classify.Classifier
		if watchAnswer {
			answer = classify.NewLinkGuard(nil)
		}
		colorDim.Fprintln(os.Stderr, "watching daemon events, Ctrl-C to stop")

		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-c.Events():
				if !ok {
					return fmt.Errorf("daemon connection closed")
				}
				printEvent(os.Stdout, ev)
				if answer != nil && ev.Name == api.EventSMSReceived {
					if err := answerEvent(ctx, c, answer, ev); err != nil {
						colorRed.Fprintf(os.Stderr, "answer: %v\n", err)
					}
				}
			}
		}
	},
}

func printEvent(w io.Writer, ev bridge.Event) {
	ts := colorDim.Sprint(time.Now().Format("15:04:05"))
	switch ev.Name {
	case api.EventSMSReceived:
		var sms guardian.SMSReceived
		if err := json.Unmarshal(ev.Payload, &sms); err != nil {
			fmt.Fprintf(w, "%s %s malformed payload: %v\n", ts, ev.Name, err)
			return
		}
		fmt.Fprintf(w, "%s %s from %s: %s\n", ts, colorCyan.Sprint("sms"), sms.Sender, model.Truncate(sms.Body, 80))
	case api.EventPermissionResult:
		var set map[string]bool
		if err := json.Unmarshal(ev.Payload, &set); err != nil {
			fmt.Fprintf(w, "%s %s malformed payload: %v\n", ts, ev.Name, err)
			return
		}
		caps := make([]string, 0, len(set))
		for c := range set {
			caps = append(caps, c)
		}
		sort.Strings(caps)
		fmt.Fprintf(w, "%s %s", ts, colorYellow.Sprint("permissions"))
		for _, c := range caps {
			mark := colorGreen.Sprint("granted")
			if !set[c] {
				mark = colorRed.Sprint("denied")
			}
			fmt.Fprintf(w, " %s=%s", c, mark)
		}
		fmt.Fprintln(w)
	default:
		fmt.Fprintf(w, "%s %s %s\n", ts, ev.Name, ev.Payload)
	}
}

// answerEvent classifies a received SMS locally and reports the verdict.
func answerEvent(ctx context.Context, c bridge.Caller, cls classify.Classifier, ev bridge.Event) error {
	var sms guardian.SMSReceived
	if err := json.Unmarshal(ev.Payload, &sms); err != nil {
		return err
	}
	msg := model.InboundMessage{ID: sms.ID, Sender: sms.Sender, Body: sms.Body, ReceivedAt: time.UnixMilli(sms.Timestamp)}
	v, err := cls.Classify(ctx, msg)
	if err != nil {
		return err
	}
	_, err = c.Call(ctx, api.MethodReportVerdict, api.VerdictReport{
		MessageID: sms.ID,
		IsThreat:  v.IsThreat,
		RiskScore: v.RiskScore,
		Rationale: v.Rationale,
	})
	return err
}
