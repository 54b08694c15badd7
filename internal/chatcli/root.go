// Package chatcli implements the loqa-chat client commands.
package chatcli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var (
	Version = "0.1.0-dev"

	serverURL string
	chatPath  string
	natsURL   string
	timeout   time.Duration
	verbose   bool
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:          "loqa-chat",
	Short:        "Talk to a loqa-converse runtime",
	Long:         "A small client for loqa-converse. Sends turns over the websocket gateway or the NATS bus and prints the streamed reply.",
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("LOQA_CHAT_SERVER", "http://localhost:8080"), "Runtime HTTP base URL")
	RootCmd.PersistentFlags().StringVar(&chatPath, "chat-path", "/v1/chat", "Websocket path of the chat gateway")
	RootCmd.PersistentFlags().StringVar(&natsURL, "nats", os.Getenv("LOQA_CHAT_NATS"), "Use the NATS bus at this URL instead of the gateway")
	RootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 2*time.Minute, "Per-turn timeout")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log event details to stderr")

	RootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	})
}

func newLogger() *slog.Logger {
	handler := log.NewWithOptions(os.Stderr, log.Options{
		Prefix:          "loqa-chat",
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
	})
	if verbose {
		handler.SetLevel(log.DebugLevel)
	}
	return slog.New(handler)
}

// newTransport picks the bus when --nats is set and the gateway otherwise.
func newTransport(logger *slog.Logger) (Transport, error) {
	if natsURL != "" {
		return dialNATS(natsURL, logger)
	}
	return newGatewayTransport(serverURL, chatPath, logger)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
