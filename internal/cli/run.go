package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/rideon/internal/config"
	"github.com/roach88/rideon/internal/engine"
	"github.com/roach88/rideon/internal/partition"
	"github.com/roach88/rideon/internal/store"
	"github.com/roach88/rideon/internal/transport/httpapi"
	"github.com/roach88/rideon/internal/transport/natsjs"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	StoreFlags

	Partitions int
	HTTPAddr   string
	NoHTTP     bool
	NoNATS     bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the correlation engine",
		Long: `Start the RideOn correlation engine.

The engine opens the configured store, finishes any visit left pending by a
previous run, and then consumes Entered and Left observations from NATS
JetStream (when nats.url is set) and from the HTTP API (when http.addr is
set). Completed visits are emitted to every configured sink.

On SIGINT or SIGTERM intake stops and queued observations are drained for at
most drain_timeout.

Example:
  rideon run
  rideon run --config ./rideon.yaml
  rideon run --db ./rideon.db --http :9090 --no-nats --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	opts.StoreFlags.register(cmd)
	cmd.Flags().IntVar(&opts.Partitions, "partitions", 0, "lane count override")
	cmd.Flags().StringVar(&opts.HTTPAddr, "http", "", "HTTP listen address override")
	cmd.Flags().BoolVar(&opts.NoHTTP, "no-http", false, "disable the HTTP API")
	cmd.Flags().BoolVar(&opts.NoNATS, "no-nats", false, "do not consume observations from NATS")

	return cmd
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions, func(c *config.Config) {
		opts.StoreFlags.apply(c)
		if opts.Partitions != 0 {
			c.Partitions = opts.Partitions
		}
		if opts.HTTPAddr != "" {
			c.HTTP.Addr = opts.HTTPAddr
		}
		if opts.NoHTTP {
			c.HTTP.Addr = ""
		}
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	logger, err := newLogger(cfg.Log, opts.Verbose, cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to configure logging", err)
	}
	slog.SetDefault(logger)

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, cfg.StartTimeout)
	defer startCancel()

	rt, err := buildRuntime(startCtx, cfg, logger, RuntimeOptions{})
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
		defer stopCancel()
		if closeErr := rt.Close(stopCtx); closeErr != nil {
			logger.Error("error closing runtime", "error", closeErr)
		}
	}()

	// Pending visits are finished before the first new observation is
	// handled, so a lane never races with recovery for the same entity.
	recovered, err := rt.Engine.Recover(startCtx)
	if err != nil {
		logger.Error("recovery incomplete", "recovered", recovered, "error", err)
	} else if recovered > 0 {
		logger.Info("recovered pending visits", "count", recovered)
	}

	// Lanes outlive the signal; Shutdown drains them within DrainTimeout.
	router := engine.NewRouter(rt.Engine, partition.MustNew(cfg.Partitions), engine.WithRouterLogger(logger))
	if err := router.Start(context.WithoutCancel(ctx)); err != nil {
		return WrapExitError(ExitFailure, "failed to start router", err)
	}

	var consumer *natsjs.Consumer
	if cfg.NATS.URL != "" && !opts.NoNATS {
		client, err := rt.connectNATS(startCtx)
		if err != nil {
			_ = router.Shutdown(context.Background())
			return err
		}
		consumer, err = client.Consume(startCtx, router, natsjs.WithLogger(logger))
		if err != nil {
			_ = router.Shutdown(context.Background())
			return WrapExitError(ExitCommandError, "failed to start nats consumer", err)
		}
	}
	startCancel()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.HTTP.Addr != "" {
		srvOpts := []httpapi.Option{
			httpapi.WithLogger(logger),
			httpapi.WithTombstones(rt.Store),
		}
		if rt.Feed != nil {
			srvOpts = append(srvOpts, httpapi.WithFeed(rt.Feed))
		}
		srv := httpapi.New(router, rt.Store, srvOpts...)
		g.Go(func() error {
			return srv.ListenAndServe(gctx, cfg.HTTP.Addr, cfg.DrainTimeout)
		})
	}

	g.Go(func() error {
		sweepTombstones(gctx, rt.Store, cfg.SweepInterval, logger)
		return nil
	})

	logger.Info("engine started",
		"partitions", cfg.Partitions,
		"store", cfg.Store.Driver,
		"sinks", cfg.Sinks,
		"http", cfg.HTTP.Addr,
		"nats", consumer != nil)
	fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Listening for observations...")
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	<-gctx.Done()
	cancel()

	if consumer != nil {
		consumer.Stop()
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer drainCancel()
	drainErr := router.Shutdown(drainCtx)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "engine error", err)
	}
	if drainErr != nil {
		return WrapExitError(ExitFailure, "drain incomplete", drainErr)
	}

	logger.Info("engine stopped gracefully")
	return nil
}

// sweepTombstones deletes expired tombstones every interval until ctx ends.
func sweepTombstones(ctx context.Context, sw store.Sweeper, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sw.Sweep(ctx)
			if err != nil {
				logger.Warn("tombstone sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("tombstones swept", "count", n)
			}
		}
	}
}
