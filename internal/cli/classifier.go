package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/guardiansms/internal/classify"
	"github.com/ppiankov/guardiansms/internal/config"
	"github.com/ppiankov/guardiansms/internal/model"
)

var (
	classifierListen  string
	classifierBackend string
	classifierTimeout time.Duration
	classifierSender  string
)

func init() {
	classifierServeCmd.Flags().StringVar(&classifierListen, "listen", "127.0.0.1:7441", "gRPC listen address")
	classifierServeCmd.Flags().StringVar(&classifierBackend, "backend", config.ClassifierLinkGuard, "Backend: linkguard or llm (uses the classifier section of the config)")
	classifierServeCmd.Flags().DurationVar(&classifierTimeout, "timeout", classify.DefaultTimeout, "Per-request deadline, 0 disables")
	classifierCheckCmd.Flags().StringVar(&classifierSender, "sender", "", "Originating address")

	classifierCmd.AddCommand(classifierServeCmd)
	classifierCmd.AddCommand(classifierCheckCmd)
	rootCmd.AddCommand(classifierCmd)
}

var classifierCmd = &cobra.Command{
	Use:   "classifier",
	Short: "Run or try the reference classifier",
}

var classifierServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a classifier over gRPC (classifier kind: grpc)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		backend, err := newBackend(cfg.Classifier, classifierBackend)
		if err != nil {
			return err
		}

		lis, err := net.Listen("tcp", classifierListen)
		if err != nil {
			return fmt.Errorf("listen %s: %w", classifierListen, err)
		}
		ctx, cancel := signalContext()
		defer cancel()

		fmt.Fprintf(os.Stderr, "classifier: %s backend serving on %s\n", classifierBackend, lis.Addr())
		return classify.Serve(ctx, lis, classify.WithTimeout(backend, classifierTimeout))
	},
}

var classifierCheckCmd = &cobra.Command{
	Use:   "check <text>...",
	Short: "Classify a text with the local link guard",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return runCheck(cmd.Context(), cmd.OutOrStdout(), classify.NewLinkGuard(cfg.Classifier.Allowlist), classifierSender, strings.Join(args, " "))
	},
}

func newBackend(c config.ClassifierConfig, backend string) (classify.Classifier, error) {
	switch backend {
	case config.ClassifierLinkGuard:
		return classify.NewLinkGuard(c.Allowlist), nil
	case config.ClassifierLLM:
		if c.APIURL == "" {
			return nil, fmt.Errorf("classifier.api_url is required for the llm backend")
		}
		return classify.NewLLM(classify.LLMConfig{
			APIURL:    c.APIURL,
			APIKey:    c.APIKey,
			Model:     c.Model,
			MaxTokens: c.MaxTokens,
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (linkguard, llm)", backend)
	}
}

func runCheck(ctx context.Context, w io.Writer, cls classify.Classifier, sender, text string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()
	v, err := cls.Classify(ctx, model.InboundMessage{
		ID:         model.NewMessageID(now, "check", 0),
		Sender:     sender,
		Body:       text,
		ReceivedAt: now,
	})
	if err != nil {
		return err
	}

	verdict := colorGreen.Sprint("clean")
	if v.IsThreat {
		verdict = colorRed.Sprint("THREAT")
	}
	fmt.Fprintf(w, "%s risk %d/100: %s\n", verdict, v.RiskScore, v.Rationale)
	if hosts := classify.Hosts(text); len(hosts) > 0 {
		out, _ := json.Marshal(hosts)
		fmt.Fprintf(w, "links: %s\n", out)
	}
	return nil
}
