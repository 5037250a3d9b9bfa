package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/sophialabs/simulacra/internal/app"
	"github.com/sophialabs/simulacra/internal/domain/validation"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "simulacra",
		Short:         "Endpoint-matching and traffic-recording HTTP engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "YAML config file (overridden by SIMULACRA_* env and flags)")

	root.AddCommand(newServeCmd(&cfgPath))
	root.AddCommand(newValidateCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newServeCmd(cfgPath *string) *cobra.Command {
	defaults := app.DefaultConfig()
	flagged := defaults

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve endpoints and the /__admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := app.DefaultConfig()
			if *cfgPath != "" {
				if err := app.LoadFile(*cfgPath, &cfg); err != nil {
					return err
				}
			}
			if err := app.ApplyEnv(&cfg, os.LookupEnv); err != nil {
				return fmt.Errorf("invalid environment: %w", err)
			}
			applyFlags(cmd, &cfg, &flagged)

			a, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			return a.Run(cmd.Context())
		},
	}

	f := cmd.Flags()
	f.StringVar(&flagged.RootDir, "root", defaults.RootDir, "root directory for endpoint files")
	f.IntVar(&flagged.Port, "port", defaults.Port, "HTTP server port")
	f.StringVar(&flagged.StateDB, "state-db", defaults.StateDB, "SQLite file holding endpoints and runtime config instead of the YAML tree")
	f.StringVar(&flagged.LogLevel, "log-level", defaults.LogLevel, "log level (debug, info, warn, error)")
	f.StringVar(&flagged.LogFormat, "log-format", defaults.LogFormat, "log format (text, json)")
	f.StringVar(&flagged.DefaultEngine, "default-engine", defaults.DefaultEngine, "default template engine for response bodies (expr, jinja2)")
	f.DurationVar(&flagged.WatcherDebounce, "watch-debounce", defaults.WatcherDebounce, "hot reload debounce, 0 disables watching")
	f.DurationVar(&flagged.ShutdownTimeout, "shutdown-timeout", defaults.ShutdownTimeout, "graceful shutdown timeout")
	f.IntVar(&flagged.Runtime.LogCapacity, "log-capacity", defaults.Runtime.LogCapacity, "initial traffic log capacity")
	return cmd
}

// applyFlags copies only the flags set on the command line, so unset flags
// do not mask file and environment values.
func applyFlags(cmd *cobra.Command, cfg, flagged *app.Config) {
	overrides := []struct {
		name  string
		apply func()
	}{
		{"root", func() { cfg.RootDir = flagged.RootDir }},
		{"port", func() { cfg.Port = flagged.Port }},
		{"state-db", func() { cfg.StateDB = flagged.StateDB }},
		{"log-level", func() { cfg.LogLevel = flagged.LogLevel }},
		{"log-format", func() { cfg.LogFormat = flagged.LogFormat }},
		{"default-engine", func() { cfg.DefaultEngine = flagged.DefaultEngine }},
		{"watch-debounce", func() { cfg.WatcherDebounce = flagged.WatcherDebounce }},
		{"shutdown-timeout", func() { cfg.ShutdownTimeout = flagged.ShutdownTimeout }},
		{"log-capacity", func() { cfg.Runtime.LogCapacity = flagged.Runtime.LogCapacity }},
	}
	for _, o := range overrides {
		if cmd.Flags().Changed(o.name) {
			o.apply()
		}
	}
}

func newValidateCmd() *cobra.Command {
	var engine string
	cmd := &cobra.Command{
		Use:   "validate <dir>",
		Short: "Load and compile endpoint files, reporting every problem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := app.ValidateDir(cmd.Context(), args[0], engine)
			if err != nil {
				violations := validation.Violations(err)
				if len(violations) == 0 {
					return err
				}
				for _, v := range violations {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", v.Field, v.Message)
				}
				return fmt.Errorf("%d problem(s) found", len(violations))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d endpoint(s) OK\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&engine, "default-engine", "", "default template engine for response bodies (expr, jinja2)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			v := version
			if info, ok := debug.ReadBuildInfo(); ok && v == "dev" && info.Main.Version != "" {
				v = info.Main.Version
			}
			fmt.Fprintf(cmd.OutOrStdout(), "simulacra %s (%s %s/%s)\n", v, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
