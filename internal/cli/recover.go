package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// RecoverOptions holds flags for the recover command.
type RecoverOptions struct {
	*RootOptions
	StoreFlags
}

// RecoverResult reports how many pending visits were finalized.
type RecoverResult struct {
	Recovered int    `json:"recovered"`
	Error     string `json:"error,omitempty"`
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecoverOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Finish visits left pending by a previous run",
		Long: `Emit and finalize every visit that completed but was not finalized.

A visit is left pending when the process stops after the completed record
was saved but before it was removed. "rideon run" performs the same
recovery at startup; this command does it without starting the engine.

Sinks that already accepted a pending visit are not sent it again.

Example:
  rideon recover --db ./rideon.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(opts, cmd)
		},
	}

	opts.StoreFlags.register(cmd)

	return cmd
}

func runRecover(opts *RecoverOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	cfg, err := loadConfig(opts.RootOptions, opts.StoreFlags.apply)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	logger, err := newLogger(cfg.Log, opts.Verbose, cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to configure logging", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := buildRuntime(ctx, cfg, logger, RuntimeOptions{SkipTelemetry: true})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(context.WithoutCancel(ctx)); closeErr != nil {
			logger.Error("error closing runtime", "error", closeErr)
		}
	}()

	recovered, err := rt.Engine.Recover(ctx)
	if err != nil {
		if formatter.JSON() {
			_ = formatter.Error(ErrCodeStore, err.Error(), RecoverResult{Recovered: recovered, Error: err.Error()})
			return WrapExitError(ExitFailure, "recovery incomplete", err)
		}
		fmt.Fprintf(formatter.Writer, "Recovered %d visit(s) before failing\n", recovered)
		return formatter.Fail(ExitFailure, ErrCodeStore, "recovery incomplete", err)
	}

	return formatter.Render(RecoverResult{Recovered: recovered}, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Recovered %d visit(s)\n", recovered)
		return err
	})
}
