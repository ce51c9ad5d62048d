package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/logging"
)

func main() {
	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	globalPath  string
	projectPath string
	logLevel    string
	logFormat   string

	cfg     *config.Config
	logger  *slog.Logger
	logFile io.Closer
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}

	root := &cobra.Command{
		Use:   "swarm",
		Short: "Schedule task batches across a pool of agents",
		Long: `swarm runs a batch of decomposed tasks on a pool of agents.

Tasks are ordered into waves by their dependencies. Each wave assigns its
ready tasks to healthy agents with the required skill, runs them with bounded
concurrency and waits for all of them before the next wave starts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if g.logFile != nil {
				g.logFile.Close()
			}
		},
	}

	defaultGlobal, err := config.GlobalPath()
	if err != nil {
		defaultGlobal = ""
	}

	flags := root.PersistentFlags()
	flags.StringVar(&g.globalPath, "global-config", defaultGlobal, "per-user config file")
	flags.StringVarP(&g.projectPath, "config", "c", config.ProjectPath(), "project config file")
	flags.StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&g.logFormat, "log-format", "", "log format (text, json)")

	root.AddCommand(
		newRunCmd(g),
		newPlanCmd(g),
		newHistoryCmd(g),
		newConfigCmd(g),
	)
	return root
}

// setup loads the configuration and builds the logger. Flags override the
// logging section of the loaded config.
func (g *globalOptions) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(g.globalPath, g.projectPath)
	if err != nil {
		return err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Logging.Format = g.logFormat
	}
	g.cfg = cfg

	var w io.Writer = cmd.ErrOrStderr()
	if cfg.Logging.File != "" {
		f, err := logging.OpenFile(cfg.Logging.File)
		if err != nil {
			return err
		}
		g.logFile = f
		w = f
	}
	g.logger = logging.New(cfg.Logging.Level, cfg.Logging.Format, w)
	return nil
}
