package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/guido-cesarano/ingestq/pkg/bootstrap"
	"github.com/guido-cesarano/ingestq/pkg/config"
	"github.com/guido-cesarano/ingestq/pkg/logger"
	"github.com/spf13/cobra"
)

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)

// cli carries state shared by every subcommand.
type cli struct {
	cfgFile      string
	outputFormat string

	cfg   *config.Config
	stack *bootstrap.Stack
}

// NewRootCmd builds the command tree. Each call returns a fresh tree, so
// tests can run commands in isolation.
func NewRootCmd() *cobra.Command {
	c := &cli{}
	cmd := &cobra.Command{
		Use:   "ingestctl",
		Short: "Operate an ingestq task queue",
		Long: `ingestctl inspects and maintains an ingestq deployment.

It connects to the same durable store (and optional Redis) as the server
and workers, using the same INGESTQ_* environment and config file.`,
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&c.cfgFile, "config", "", "path to a YAML config file")
	pf.StringVarP(&c.outputFormat, "output", "o", "plain", "output format (plain|json)")
	pf.String("log-level", "warn", "log level")
	pf.String("db-driver", "sqlite", "durable store driver (pgx|sqlite)")
	pf.String("db-dsn", "", "durable store DSN")
	pf.String("redis-addr", "", "Redis address; empty disables the fast store")

	cmd.AddCommand(newVersionCmd(c))
	cmd.AddCommand(c.withStack(newStatsCmd(c)))
	cmd.AddCommand(c.withStack(newTaskCmd(c)))
	cmd.AddCommand(c.withStack(newDLQCmd(c)))
	cmd.AddCommand(c.withStack(newSweepCmd(c)))
	cmd.AddCommand(c.withStack(newReconcileCmd(c)))
	cmd.AddCommand(c.withStack(newMigrateCmd(c)))
	return cmd
}

// withStack opens the backends before cmd (or any of its children) runs and
// closes them afterwards.
func (c *cli) withStack(cmd *cobra.Command) *cobra.Command {
	cmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(c.cfgFile, cmd.Flags())
		if err != nil {
			return err
		}
		c.cfg = cfg
		log := logger.New(false, cmd.ErrOrStderr()).Level(logger.ParseLevel(cfg.Log.Level))

		stack, err := bootstrap.Open(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		c.stack = stack
		return nil
	}
	cmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		if c.stack == nil {
			return nil
		}
		err := c.stack.Close()
		c.stack = nil
		return err
	}
	return cmd
}

// render writes v as indented JSON with -o json, otherwise calls plain.
func (c *cli) render(w io.Writer, v any, plain func(io.Writer)) error {
	switch c.outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "plain", "":
		plain(w)
		return nil
	}
	return fmt.Errorf("unknown output format %q", c.outputFormat)
}

type versionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
}

func newVersionCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versionInfo{Version: Version, GitCommit: GitCommit}
			return c.render(cmd.OutOrStdout(), info, func(w io.Writer) {
				fmt.Fprintf(w, "ingestctl v%s\n", Version)
				fmt.Fprintf(w, "Git Commit: %s\n", GitCommit)
			})
		},
	}
}
