// Package cli implements dispatchctl, the command-line client for dispatchd.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/dispatchq/internal/logging"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking DISPATCHQ_SERVER first.
func defaultServer() string {
	if s := os.Getenv("DISPATCHQ_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for dispatchctl.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dispatchctl",
		Short: "dispatchctl submits and inspects tasks on a dispatchd server",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.New(logging.Options{Level: flagLogLevel, Format: flagLogFormat, Writer: cmd.ErrOrStderr()})
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "dispatchd server URL (or DISPATCHQ_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newSubmitCmd(),
		newStatusCmd(),
		newCancelCmd(),
		newStatsCmd(),
		newQueueCmd(),
		newResultsCmd(),
	)

	return root
}
