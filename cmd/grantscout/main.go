// Grantscout is the command line for the grant triage pipeline: fetch
// opportunities, build a scoring master, then split the scored master into
// Clean, Dirty and Out-of-Scope tables.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/log"
	v "github.com/linnemanlabs/go-core/version"
)

const appName = "grantscout"
const component = "cli"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	v.AppName = appName
	v.Component = component

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

// app carries what every subcommand shares: the go-core flag configs bridged
// onto cobra and the logger built from them.
type app struct {
	fs     *flag.FlagSet
	logCfg log.Config
	logger log.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{
		fs:     flag.NewFlagSet(appName, flag.ContinueOnError),
		logger: log.Nop(),
	}
	a.logCfg.RegisterFlags(a.fs)

	root := &cobra.Command{
		Use:           appName,
		Short:         "Grant opportunity triage and scoring",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}
	root.PersistentFlags().AddGoFlagSet(a.fs)

	root.AddCommand(
		newTriageCmd(a),
		newTemplateCmd(a),
		newPrepareCmd(a),
		newWatchCmd(a),
		newVersionCmd(),
	)
	return root
}

// init fills unset go-core flags from GRANTSCOUT_ env vars, validates them
// and builds the logger.
func (a *app) init(cmd *cobra.Command) error {
	// values parsed by cobra are not marked as set on the go FlagSet,
	// mirror them so the env fill does not override the command line
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if a.fs.Lookup(f.Name) != nil {
			_ = a.fs.Set(f.Name, f.Value.String())
		}
	})

	cfg.FillFromEnv(a.fs, "GRANTSCOUT_", func(format string, args ...any) {
		fmt.Fprintf(cmd.ErrOrStderr(), format+"\n", args...)
	})

	if err := a.logCfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	lg, err := log.New(a.logCfg.ToOptions(appName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	a.logger = lg.With("component", component, "command", cmd.Name())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(log.WithContext(ctx, a.logger))
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			vi := v.Get()
			cmd.Printf(
				"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
				vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
				vi.VCSDirty != nil && *vi.VCSDirty,
			)
			return nil
		},
	}
}
