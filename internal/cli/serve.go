package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tOgg1/ssh-liaison/internal/logging"
	"github.com/tOgg1/ssh-liaison/internal/mcpserver"
)

func newServeCmd(opts *globalOptions, build BuildInfo) *cobra.Command {
	var local bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP tools over stdio",
		Long: "Serve the ssh_connect, ssh_connect_direct, ssh_run_command, ssh_read_log,\n" +
			"ssh_disconnect and ssh_list_sessions tools over MCP stdio. Logs go to stderr.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newEngine(opts.cfg, engineOptions{local: local})
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.start(ctx); err != nil {
				return err
			}

			logging.Logger.Info().
				Str("version", build.Version).
				Bool("local", local).
				Str("ssh_config", opts.cfg.SSH.ConfigPath).
				Msg("ssh-liaison starting")

			srv := mcpserver.New(rt.dispatcher, build.Version)
			return srv.ServeStdio(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "run shells on this machine instead of connecting over SSH")

	return cmd
}
