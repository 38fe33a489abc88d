package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/roach88/rideon/internal/config"
	"github.com/roach88/rideon/internal/engine"
	"github.com/roach88/rideon/internal/ir"
	"github.com/roach88/rideon/internal/partition"
	"github.com/roach88/rideon/internal/simulate"
	"github.com/roach88/rideon/internal/transport/natsjs"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	StoreFlags

	Patrons     int
	Loops       int
	Rate        float64
	Concurrency int
	Local       bool
}

// SimulateResult is the JSON shape of one simulation run.
type SimulateResult struct {
	Mode         string `json:"mode"`
	Patrons      int    `json:"patrons"`
	Loops        int    `json:"loops"`
	Published    int64  `json:"published"`
	Failed       int64  `json:"failed"`
	FaultedLoops int    `json:"faulted_loops"`
	ElapsedMS    int64  `json:"elapsed_ms"`
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Generate patron traffic",
		Long: `Generate simulated patron visits.

Each patron enters now and leaves up to an hour later; both observations are
published concurrently so they reach the engine in either order.

Observations are published to NATS JetStream when nats.url is configured.
With --local, or when no NATS URL is configured, an in-process engine
handles them instead and completed visits go to the configured sinks.

Without --patrons the command prompts for "patrons" or "patrons,loops" until
an empty line is entered.

Examples:
  rideon simulate --patrons 100 --loops 5
  rideon simulate --local --patrons 1000 --rate 500
  rideon simulate --config ./rideon.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, cmd)
		},
	}

	opts.StoreFlags.register(cmd)
	cmd.Flags().IntVarP(&opts.Patrons, "patrons", "n", 0, "patrons per loop (prompt when zero)")
	cmd.Flags().IntVarP(&opts.Loops, "loops", "l", 1, "number of loops")
	cmd.Flags().Float64Var(&opts.Rate, "rate", 0, "maximum observations per second (0 = unlimited)")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", simulate.DefaultConcurrency, "in-flight publishes per loop")
	cmd.Flags().BoolVar(&opts.Local, "local", false, "handle observations with an in-process engine")

	return cmd
}

func runSimulate(opts *SimulateOptions, cmd *cobra.Command) error {
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

	mode := "nats"
	if opts.Local || cfg.NATS.URL == "" {
		mode = "local"
	}

	ingress, stop, err := openIngress(ctx, mode, cfg, logger)
	if err != nil {
		if mode == "nats" {
			_ = formatter.Error(ErrCodeTransport, err.Error(), nil)
		}
		return err
	}
	defer stop()

	gen := &simulate.Generator{
		Ingress:     ingress,
		Concurrency: opts.Concurrency,
		Logger:      logger,
	}
	if opts.Rate > 0 {
		burst := int(opts.Rate)
		if burst < 1 {
			burst = 1
		}
		gen.Limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}

	runOnce := func(patrons, loops int) error {
		report, err := gen.Run(ctx, patrons, loops)
		if err != nil {
			return WrapExitError(ExitFailure, "simulation failed", err)
		}
		return outputSimulate(formatter, SimulateResult{
			Mode:         mode,
			Patrons:      report.Patrons,
			Loops:        report.Loops,
			Published:    report.Published,
			Failed:       report.Failed,
			FaultedLoops: report.FaultedLoops,
			ElapsedMS:    report.Elapsed.Milliseconds(),
		})
	}

	if opts.Patrons > 0 {
		return runOnce(opts.Patrons, opts.Loops)
	}
	return promptLoop(cmd.InOrStdin(), cmd.ErrOrStderr(), runOnce)
}

// promptLoop reads "patrons[,loops]" lines until EOF or an empty line.
// A rejected line is reported and the prompt continues.
func promptLoop(in io.Reader, prompt io.Writer, run func(patrons, loops int) error) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(prompt, "Enter number of patrons[,loops] (empty line to quit): ")
		if !scanner.Scan() {
			fmt.Fprintln(prompt)
			return scanner.Err()
		}
		patrons, loops, ok := simulate.ParsePrompt(scanner.Text())
		if !ok {
			return nil
		}
		if err := run(patrons, loops); err != nil {
			if GetExitCode(err) != ExitFailure {
				return err
			}
			fmt.Fprintf(prompt, "Error: %v\n", err)
		}
	}
}

// openIngress returns where simulated observations go and a function that
// releases it.
func openIngress(ctx context.Context, mode string, cfg *config.Config, logger *slog.Logger) (simulate.Ingress, func(), error) {
	if mode == "nats" {
		client, err := natsjs.Connect(ctx, cfg.NATS)
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "failed to connect to nats", err)
		}
		return client, func() { _ = client.Close() }, nil
	}

	rt, err := buildRuntime(ctx, cfg, logger, RuntimeOptions{SkipTelemetry: true})
	if err != nil {
		return nil, nil, err
	}
	router := engine.NewRouter(rt.Engine, partition.MustNew(cfg.Partitions), engine.WithRouterLogger(logger))
	if err := router.Start(context.WithoutCancel(ctx)); err != nil {
		_ = rt.Close(ctx)
		return nil, nil, WrapExitError(ExitFailure, "failed to start router", err)
	}

	ingress := simulate.IngressFunc(func(ctx context.Context, obs ir.Observation) error {
		_, err := router.Process(ctx, obs)
		return err
	})
	stop := func() {
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.DrainTimeout)
		defer cancel()
		if err := router.Shutdown(drainCtx); err != nil {
			logger.Warn("drain incomplete", "error", err)
		}
		closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer closeCancel()
		if err := rt.Close(closeCtx); err != nil {
			logger.Error("error closing runtime", "error", err)
		}
	}
	return ingress, stop, nil
}

func outputSimulate(f *OutputFormatter, result SimulateResult) error {
	return f.Render(result, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "%s: %d patrons x %d loops, %d published, %d failed, %d faulted loops in %dms\n",
			result.Mode, result.Patrons, result.Loops, result.Published, result.Failed, result.FaultedLoops, result.ElapsedMS)
		return err
	})
}
