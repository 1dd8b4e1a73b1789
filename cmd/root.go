// Package cmd implements the sessionsync command line.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/sessionsync/internal/config"
)

func Execute() error {
	return newRootCmd().Execute()
}

type options struct {
	configPath string
}

// flagKeys maps persistent flags onto config keys.
var flagKeys = map[string]string{
	"http-port":           "http_port",
	"rpc-port":            "rpc_port",
	"database-url":        "database_url",
	"ephemeral-url":       "ephemeral_url",
	"agent-api-url":       "agent_api_url",
	"archive-policy-file": "archive_policy_file",
	"log-level":           "log_level",
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:          "sessionsync",
		Short:        "Sync live agent sessions to subscribers and archive finished ones",
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (TOML, YAML or JSON)")
	flags.Int("http-port", 0, "HTTP listen port")
	flags.Int("rpc-port", 0, "JSON-RPC listen port, 0 disables")
	flags.String("database-url", "", "archive database DSN")
	flags.String("ephemeral-url", "", "ephemeral store DSN, or \"memory\"")
	flags.String("agent-api-url", "", "agent API base URL")
	flags.String("archive-policy-file", "", "Rego module deciding when sessions are archived")
	flags.String("log-level", "", "log level (info or debug)")

	serveCmd := newServeCmd(opts)
	rootCmd.RunE = serveCmd.RunE

	rootCmd.AddCommand(
		serveCmd,
		newWatchCmd(),
		newArchiveCmd(opts),
		newSessionCmd(),
	)

	return rootCmd
}

// load resolves configuration from defaults, the environment, the optional
// config file and the command's flags.
func (o *options) load(cmd *cobra.Command) (*config.Config, error) {
	v := config.NewViper()
	if err := config.BindFlags(v, cmd.Flags(), flagKeys); err != nil {
		return nil, err
	}
	return config.LoadFile(v, o.configPath)
}
