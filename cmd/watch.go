package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/sessionsync/internal/domain"
	"github.com/xiaot623/gogo/sessionsync/internal/transport/ws"
)

func newWatchCmd() *cobra.Command {
	var addr string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "watch [session-id]",
		Short: "Print live snapshots of a session, or of every session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/ws"
			if len(args) == 1 {
				path = "/v1/sessions/" + url.PathEscape(args[0]) + "/ws"
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watch(ctx, cmd.OutOrStdout(), strings.TrimSuffix(addr, "/")+path, asJSON)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "ws://localhost:8080", "sessionsync WebSocket base address")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print full snapshots as JSON")
	return cmd
}

// watch prints every snapshot received on target until the server closes
// the stream or ctx is done.
func watch(ctx context.Context, out io.Writer, target string, asJSON bool) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				switch closeErr.Code {
				case websocket.CloseNormalClosure:
					return nil
				case ws.CloseSessionNotFound:
					return errors.New("session not found")
				}
				return fmt.Errorf("stream closed: %d %s", closeErr.Code, closeErr.Text)
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		if err := printSnapshot(out, data, asJSON); err != nil {
			return err
		}
	}
}

func printSnapshot(out io.Writer, data []byte, asJSON bool) error {
	var st domain.SessionState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}

	if asJSON {
		formatted, err := json.MarshalIndent(&st, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(formatted))
		return err
	}

	line := fmt.Sprintf("[%s] %s %s messages=%d tools=%d",
		st.UpdatedAt.Local().Format("15:04:05"), st.SessionID, st.Status, len(st.Messages), len(st.CurrentToolCalls))
	if st.TicketID != "" {
		line += " ticket=" + st.TicketID
	}
	if st.Error != "" {
		line += " error=" + st.Error
	}
	_, err := fmt.Fprintln(out, line)
	return err
}
