package chatcli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-converse/internal/protocol"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send a turn and stream the reply",
		Long:  "Send a turn and stream the reply. Without a message argument, lines are read from stdin and sent as consecutive turns of one session.",
		RunE:  runSend,
	}

	cmd.Flags().String("session", "", "Session id (empty starts a new session)")
	cmd.Flags().String("voice", "", "Voice id; enables sentence-level synthesis")

	RootCmd.AddCommand(cmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	sessionID, _ := cmd.Flags().GetString("session")
	voice, _ := cmd.Flags().GetString("voice")

	logger := newLogger()
	tr, err := newTransport(logger)
	if err != nil {
		return err
	}
	defer tr.Close()

	s := &sender{transport: tr, out: cmd.OutOrStdout(), logger: logger, sessionID: sessionID, voice: voice}
	if len(args) > 0 {
		return s.send(cmd.Context(), strings.Join(args, " "))
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := s.send(cmd.Context(), line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

type sender struct {
	transport Transport
	out       io.Writer
	logger    *slog.Logger
	sessionID string
	voice     string
}

// send runs one turn and keeps the session id the runtime assigned.
func (s *sender) send(parent context.Context, message string) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	r := &renderer{out: s.out}
	req := protocol.TurnRequest{Message: message, SessionID: s.sessionID, Voice: s.voice}
	err := s.transport.Turn(ctx, req, func(ev protocol.Event) error {
		if ev.Streaming {
			s.logger.Debug("event",
				slog.Int("chunk", chunkIndex(ev)),
				slog.Bool("final", ev.IsFinal),
				slog.Int("audio_bytes", len(ev.Audio)))
		}
		return r.render(ev)
	})
	if err != nil {
		return err
	}
	if r.sessionID != "" {
		s.sessionID = r.sessionID
	}
	if r.failure != "" {
		return errors.New(strings.TrimPrefix(r.failure, "Error: "))
	}
	s.logger.Info("turn complete", slog.String("session_id", s.sessionID))
	return nil
}

// renderer prints a turn's events as plain text. A connection greeting gets a
// line of its own. Text-so-far events carry no
// chunk index and only their new suffix is written; once one was seen the
// sentence events of the turn are redundant. Without them (voice mode) each
// sentence event is printed in order.
type renderer struct {
	out       io.Writer
	printed   string
	snapshots bool
	sessionID string
	failure   string
}

func (r *renderer) render(ev protocol.Event) error {
	if ev.SessionID != "" {
		r.sessionID = ev.SessionID
	}
	switch {
	case ev.Greeting:
		_, err := fmt.Fprintln(r.out, ev.Message)
		return err
	case ev.Failed():
		r.failure = ev.Message
		return r.newline()
	case ev.Terminal():
		if r.printed == "" && ev.Reply() != "" {
			if _, err := io.WriteString(r.out, ev.Reply()); err != nil {
				return err
			}
			r.printed = ev.Reply()
		}
		return r.newline()
	case ev.ChunkIndex == nil:
		r.snapshots = true
		delta := ev.Message
		if strings.HasPrefix(ev.Message, r.printed) {
			delta = ev.Message[len(r.printed):]
		}
		r.printed = ev.Message
		_, err := io.WriteString(r.out, delta)
		return err
	case r.snapshots:
		return nil
	}

	sep := ""
	if r.printed != "" {
		sep = " "
	}
	r.printed += sep + ev.Message
	_, err := io.WriteString(r.out, sep+ev.Message)
	return err
}

func (r *renderer) newline() error {
	if r.printed == "" {
		return nil
	}
	_, err := fmt.Fprintln(r.out)
	return err
}

func chunkIndex(ev protocol.Event) int {
	if ev.ChunkIndex == nil {
		return -1
	}
	return *ev.ChunkIndex
}
