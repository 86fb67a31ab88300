// Package cli implements the ssh-liaison command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tOgg1/ssh-liaison/internal/config"
	"github.com/tOgg1/ssh-liaison/internal/logging"
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// globalOptions are the flags shared by every command.
type globalOptions struct {
	configFile string
	verbose    int
	logFormat  string

	cfg *config.Config
}

// Execute runs the root command.
func Execute(build BuildInfo) error {
	return newRootCmd(build).Execute()
}

func newRootCmd(build BuildInfo) *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "ssh-liaison",
		Short: "Stateful SSH shells for assistants and operators",
		Long: "ssh-liaison keeps one interactive shell open per host so working directory,\n" +
			"environment and history persist between commands. Run 'serve' to expose it\n" +
			"as MCP tools over stdio, or 'cli' for an interactive prompt.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       build.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default $XDG_CONFIG_HOME/ssh-liaison/config.yaml)")
	cmd.PersistentFlags().CountVarP(&opts.verbose, "verbose", "v", "increase log verbosity (-v info, -vv debug, -vvv trace)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format: console or json")

	cmd.AddCommand(
		newServeCmd(opts, build),
		newREPLCmd(opts),
		newConnectCmd(opts),
		newVersionCmd(build),
	)

	return cmd
}

// load reads configuration and initializes logging.
func (o *globalOptions) load() error {
	loader := config.NewLoader()
	if o.configFile != "" {
		loader.SetConfigFile(o.configFile)
	}
	if o.logFormat != "" {
		loader.Set("logging.format", o.logFormat)
	}

	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.LevelForVerbosity(o.verbose, cfg.Logging.Level)
	logCfg.Format = cfg.Logging.Format
	logCfg.EnableCaller = cfg.Logging.EnableCaller
	logging.Init(logCfg)

	if used := loader.ConfigFileUsed(); used != "" {
		logging.Logger.Debug().Str("path", used).Msg("loaded config file")
	}

	o.cfg = cfg
	return nil
}
