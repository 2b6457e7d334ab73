package main

import (
	"fmt"
	"os"

	"wiremesh/cmd/wiremeshd/ui"
	"wiremesh/config"
	"wiremesh/internal/logging"

	"github.com/spf13/cobra"
)

// globals holds the persistent flags and the config they resolve to.
type globals struct {
	configPath string
	dataDir    string
	debug      bool
	logFormat  string

	cfg *config.Config
}

func main() {
	if err := logging.Configure(logging.LevelWarn, logging.FormatText); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:           "wiremeshd",
		Short:         "Multi-tenant WireGuard control plane",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.load()
		},
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", config.DefaultPath, "Path to the daemon configuration")
	root.PersistentFlags().StringVar(&g.dataDir, "data-dir", "", "Override the data directory")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "Log format: text or json")

	root.AddCommand(runCmd(g))
	root.AddCommand(subnetCmd(g))
	root.AddCommand(clientCmd(g))
	return root
}

func (g *globals) load() error {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return err
	}
	if g.dataDir != "" {
		cfg.DataDir = g.dataDir
	}
	if g.debug {
		cfg.Log.Level = logging.LevelDebug
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	if err := logging.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	g.cfg = cfg
	return nil
}
