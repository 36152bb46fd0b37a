package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/neboloop/tabrelay/internal/config"
	"github.com/neboloop/tabrelay/internal/logging"
)

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed, color.Bold)
	infoColor = color.New(color.FgCyan)
)

// SetupRootCmd configures the root command with all subcommands and flags
func SetupRootCmd(c *config.Config) *cobra.Command {
	ServerConfig = c

	rootCmd := &cobra.Command{
		Use:   "tabrelay",
		Short: "tabrelay - browser tab relay",
		Long: `tabrelay bridges a browser extension and automation clients over websockets.

Just type 'tabrelay' to start the relay server.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: embedded config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(ServeCmd())
	rootCmd.AddCommand(MigrateCmd())
	rootCmd.AddCommand(CheckpointCmd())
	rootCmd.AddCommand(TokenCmd())

	return rootCmd
}

// loadConfig resolves the effective configuration: the --config file when given,
// otherwise the config main loaded, with TABRELAY_* overrides applied either way.
func loadConfig() (config.Config, error) {
	var c config.Config
	switch {
	case cfgFile != "":
		loaded, err := config.LoadFile(cfgFile)
		if err != nil {
			return c, err
		}
		c = loaded
	case ServerConfig != nil:
		c = *ServerConfig
	default:
		c = config.Defaults()
	}
	if err := config.ApplyEnv(&c); err != nil {
		return c, err
	}

	level := c.Log.Level
	if verbose {
		level = "debug"
	}
	if err := logging.Init(logging.Options{Level: level, Format: c.Log.Format}); err != nil {
		return c, fmt.Errorf("init logging: %w", err)
	}
	return c, nil
}

func printStatus(w io.Writer, c *color.Color, label, format string, args ...any) {
	c.Fprintf(w, "%-12s", label)
	fmt.Fprintf(w, format+"\n", args...)
}
