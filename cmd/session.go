package cmd

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/sessionsync/internal/domain"
	"github.com/xiaot623/gogo/sessionsync/internal/transport/rpc"
)

func newSessionCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Drive sessions of a running server over JSON-RPC",
	}
	cmd.PersistentFlags().StringVar(&addr, "rpc-addr", "localhost:8082", "sessionsync RPC address")

	writeJSON := func(cmd *cobra.Command, v interface{}) error {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	var ticketID, sessionType string
	pollCmd := &cobra.Command{
		Use:   "poll <session-id>",
		Short: "Start syncing an existing upstream session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			started, err := rpc.NewClient(addr).StartPolling(cmd.Context(), rpc.StartPollingArgs{
				SessionID:   args[0],
				TicketID:    ticketID,
				SessionType: domain.SessionType(sessionType),
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd, map[string]interface{}{"session_id": args[0], "started": started})
		},
	}
	pollCmd.Flags().StringVar(&ticketID, "ticket", "", "ticket the session belongs to")
	pollCmd.Flags().StringVar(&sessionType, "type", "chat", "session type: chat, ask or admin")

	getCmd := &cobra.Command{
		Use:   "get <session-id>",
		Short: "Print the current snapshot of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := rpc.NewClient(addr).GetSnapshot(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if state == nil {
				return errors.New("session not found")
			}
			return writeJSON(cmd, state)
		},
	}

	pendingCmd := &cobra.Command{
		Use:   "pending <ticket-id>...",
		Short: "Print the live ask session of each ticket",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := rpc.NewClient(addr).ListPendingByTicket(cmd.Context(), args)
			if err != nil {
				return err
			}
			return writeJSON(cmd, sessions)
		},
	}

	endCmd := &cobra.Command{
		Use:   "end <session-id>",
		Short: "End and archive a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := rpc.NewClient(addr).EndSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd, state)
		},
	}

	cmd.AddCommand(pollCmd, getCmd, pendingCmd, endCmd)
	return cmd
}
