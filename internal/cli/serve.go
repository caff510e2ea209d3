package cli

import (
	"fmt"

	"github.com/harun/threadagent/internal/daemon"
	"github.com/spf13/cobra"
)

var noReload bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket gateway in the foreground",
	Long: `Run the gateway in the foreground until SIGINT or SIGTERM.
The log level and the agent's system message are reloaded when the
config file changes.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&noReload, "no-reload", false, "do not watch the config file for changes")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := setupLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer log.Close()

	if noReload {
		loader = nil
	}

	d, err := daemon.New(cfg, loader, log.GetZerolog())
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "threadagent listening on %s\n", d.Status().Addr)

	return d.Wait(cmd.Context())
}
