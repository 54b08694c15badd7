package chatcli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "history <session-id>",
		Short: "Print a session's persisted messages",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistory,
	}

	cmd.Flags().Bool("json", false, "Print the raw JSON response")

	RootCmd.AddCommand(cmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	tr, err := newTransport(newLogger())
	if err != nil {
		return err
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	resp, err := tr.History(ctx, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		b, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Fprintln(out, string(b))
		return nil
	}
	if len(resp.Messages) == 0 {
		fmt.Fprintf(out, "no messages for session %s\n", args[0])
		return nil
	}
	for _, m := range resp.Messages {
		fmt.Fprintf(out, "[%s] %-9s %s\n", m.Timestamp.Local().Format(time.DateTime), m.Role, m.Content)
	}
	return nil
}
