package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/onboard-sync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// skipConfigAnnotation marks commands that run without a resolved config.
const skipConfigAnnotation = "skip-config"

// CLIFlags are the persistent flags shared by every command.
type CLIFlags struct {
	ConfigPath string
	BaseURL    string
	Storage    string
	Owner      string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext is built once in PersistentPreRunE and carried in the command
// context.
type CLIContext struct {
	Flags  CLIFlags
	Cfg    *config.Resolved // nil for commands annotated with skipConfigAnnotation
	Logger *slog.Logger
	Out    io.Writer

	closeLog func() error
}

type cliContextKey struct{}

// mustCLIContext returns the context set up by the root pre-run. Commands
// only run after that hook, so a missing value is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("onboard-sync: command ran without CLI context")
	}

	return cc
}

// newRootCmd builds the root command with all subcommands registered.
func newRootCmd() *cobra.Command {
	flags := &CLIFlags{}

	cmd := &cobra.Command{
		Use:     "onboard-sync",
		Short:   "Villa onboarding sync client",
		Long:    "Edit, auto-save and reconcile villa onboarding steps against the onboarding API.",
		Version: version,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setupCLIContext(cmd, flags)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			cc, ok := cmd.Context().Value(cliContextKey{}).(*CLIContext)
			if !ok || cc.closeLog == nil {
				return nil
			}

			return cc.closeLog()
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "config file path")
	pf.StringVar(&flags.BaseURL, "base-url", "", "onboarding API root (overrides config)")
	pf.StringVar(&flags.Storage, "storage", "", `durable store: "sqlite", "file:/dir", "memory" or a redis:// URL`)
	pf.StringVar(&flags.Owner, "owner", "", "owner id for durable session lookup")
	pf.BoolVar(&flags.JSON, "json", false, "output in JSON format")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newSessionCmd())
	cmd.AddCommand(newSaveCmd())
	cmd.AddCommand(newCompleteCmd())
	cmd.AddCommand(newSkipCmd())
	cmd.AddCommand(newLoadCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newDrainCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newProgressCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

func setupCLIContext(cmd *cobra.Command, flags *CLIFlags) error {
	cc := &CLIContext{Flags: *flags, Out: cmd.OutOrStdout()}

	if cmd.Annotations[skipConfigAnnotation] != "true" {
		resolved, err := loadConfig(cmd, flags)
		if err != nil {
			return err
		}

		cc.Cfg = resolved
	}

	logger, closeLog, err := buildLogger(cc.Cfg, flags, os.Stderr)
	if err != nil {
		return err
	}

	cc.Logger = logger
	cc.closeLog = closeLog

	cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

	return nil
}

// loadConfig resolves the effective configuration from the override chain.
// Only flags the user actually set are passed on.
func loadConfig(cmd *cobra.Command, flags *CLIFlags) (*config.Resolved, error) {
	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}

	if cmd.Flags().Changed("base-url") {
		cli.BaseURL = &flags.BaseURL
	}

	if cmd.Flags().Changed("storage") {
		cli.Storage = &flags.Storage
	}

	if cmd.Flags().Changed("owner") {
		cli.OwnerID = &flags.Owner
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return resolved, nil
}

// errSilentExit reports failure through the exit code only; the command
// already printed what went wrong.
var errSilentExit = errors.New("silent exit")

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	if !errors.Is(err, errSilentExit) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}

	os.Exit(1)
}
