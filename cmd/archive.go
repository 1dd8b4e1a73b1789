package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xiaot623/gogo/sessionsync/internal/domain"
	"github.com/xiaot623/gogo/sessionsync/internal/repository"
)

func newArchiveCmd(opts *options) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Read the durable session archive",
	}
	cmd.PersistentFlags().StringVarP(&format, "format", "o", "json", "output format: json or yaml")

	openStore := func(cmd *cobra.Command) (*repository.Store, error) {
		if format != "json" && format != "yaml" {
			return nil, fmt.Errorf("unsupported format %q", format)
		}
		cfg, err := opts.load(cmd)
		if err != nil {
			return nil, err
		}
		return repository.Open(cfg.DatabaseURL)
	}

	var filter repository.ArchiveFilter
	var sessionType, status string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List archived sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			filter.SessionType = domain.SessionType(sessionType)
			filter.Status = domain.SessionStatus(status)
			sessions, err := store.ListArchivedSessions(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), format, sessions)
		},
	}
	listCmd.Flags().StringVar(&filter.TicketID, "ticket", "", "only sessions of this ticket")
	listCmd.Flags().StringVar(&sessionType, "type", "", "only sessions of this type")
	listCmd.Flags().StringVar(&status, "status", "", "only sessions with this status")
	listCmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum number of sessions")
	listCmd.Flags().IntVar(&filter.Offset, "offset", 0, "number of sessions to skip")

	showCmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show an archived session with its transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.GetArchivedSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if rec == nil {
				return errors.New("archived session not found")
			}
			return writeOutput(cmd.OutOrStdout(), format, rec)
		},
	}

	recsCmd := &cobra.Command{
		Use:   "recommendations <ticket-id>",
		Short: "List the recommendations recorded for a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.ListRecommendations(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), format, recs)
		},
	}

	cmd.AddCommand(listCmd, showCmd, recsCmd)
	return cmd
}

// writeOutput renders v as indented JSON or as YAML. The YAML form is
// derived from the JSON encoding so both share field names.
func writeOutput(out io.Writer, format string, v interface{}) error {
	if format != "yaml" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return fmt.Errorf("convert to yaml: %w", err)
	}
	resetStyle(&node)

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return err
	}
	return enc.Close()
}

// resetStyle drops the flow and quoting styles the JSON input carried.
func resetStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		resetStyle(c)
	}
}
