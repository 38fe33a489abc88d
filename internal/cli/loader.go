package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rideon/internal/config"
	"github.com/roach88/rideon/internal/emit"
	"github.com/roach88/rideon/internal/engine"
	"github.com/roach88/rideon/internal/ir"
	"github.com/roach88/rideon/internal/observability"
	"github.com/roach88/rideon/internal/retry"
	"github.com/roach88/rideon/internal/store"
	"github.com/roach88/rideon/internal/transport/httpapi"
	"github.com/roach88/rideon/internal/transport/natsjs"
	"github.com/roach88/rideon/internal/transport/redisstream"
)

// StoreFlags are the flags that override the store section of the config.
type StoreFlags struct {
	Driver string
	DSN    string
}

func (f *StoreFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Driver, "store", "", "store driver override (memory|sqlite|postgres|redis)")
	cmd.Flags().StringVar(&f.DSN, "db", "", "store DSN override (SQLite path or Postgres connection string)")
}

func (f *StoreFlags) apply(cfg *config.Config) {
	if f.Driver != "" {
		cfg.Store.Driver = f.Driver
	}
	if f.DSN != "" {
		cfg.Store.DSN = f.DSN
		// A DSN alone implies SQLite, the common local case.
		if f.Driver == "" && cfg.Store.Driver == config.DriverMemory {
			cfg.Store.Driver = config.DriverSQLite
		}
	}
}

// newFormatter builds the output formatter for cmd.
func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}
}

// loadConfig reads the config file named by --config, or the defaults when
// none is given, applies mutate and validates the result.
func loadConfig(opts *RootOptions, mutate func(*config.Config)) (*config.Config, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger from the log section. --verbose
// forces debug level.
func newLogger(cfg config.Log, verbose bool, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	if verbose {
		level = slog.LevelDebug
	}

	hopts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}

// Runtime is the engine with every collaborator the config asks for.
// Close releases them in reverse order of creation.
type Runtime struct {
	Config    *config.Config
	Logger    *slog.Logger
	Telemetry *observability.Provider
	Store     store.Store
	NATS      *natsjs.Client
	Redis     *redisstream.Sink
	Feed      *httpapi.Feed
	Emitter   *emit.Emitter
	Engine    *engine.Engine

	closers []func(context.Context) error
}

// RuntimeOptions adjusts what buildRuntime creates.
type RuntimeOptions struct {
	// Sinks replaces the configured sink list when non-nil.
	Sinks []emit.Sink

	// SkipTelemetry leaves the global OpenTelemetry providers alone.
	SkipTelemetry bool
}

// buildRuntime opens the store, connects the transports and creates the
// engine. On error everything opened so far is closed again.
func buildRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, ropts RuntimeOptions) (rt *Runtime, err error) {
	rt = &Runtime{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = rt.Close(context.WithoutCancel(ctx))
			rt = nil
		}
	}()

	if !ropts.SkipTelemetry {
		tel, err := observability.New(ctx, cfg.Telemetry, ir.EngineVersion, logger)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to start telemetry", err)
		}
		rt.Telemetry = tel
		rt.closers = append(rt.closers, tel.Shutdown)
	}

	logger.Info("opening store", "driver", cfg.Store.Driver)
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	rt.Store = st
	rt.closers = append(rt.closers, func(context.Context) error { return st.Close() })

	sinks := ropts.Sinks
	if sinks == nil {
		sinks, err = rt.openSinks(ctx)
		if err != nil {
			return nil, err
		}
	}

	emitter, err := emit.New(sinks...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create emitter", err)
	}
	rt.Emitter = emitter

	opts := []engine.Option{
		engine.WithRetryPolicy(retry.Policy{Intervals: cfg.Retry.Intervals}),
		engine.WithTombstoneTTL(cfg.TombstoneTTL),
		engine.WithLogger(logger),
	}
	if rt.Telemetry != nil {
		opts = append(opts,
			engine.WithMeter(rt.Telemetry.Meter()),
			engine.WithTracer(rt.Telemetry.Tracer()))
	}
	eng, err := engine.New(st, st, emitter, opts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create engine", err)
	}
	rt.Engine = eng

	return rt, nil
}

// openSinks creates the configured sinks, in configuration order.
func (rt *Runtime) openSinks(ctx context.Context) ([]emit.Sink, error) {
	cfg := rt.Config
	sinks := make([]emit.Sink, 0, len(cfg.Sinks))

	for _, name := range cfg.Sinks {
		switch name {
		case config.SinkLog:
			sinks = append(sinks, emit.NewLogSink(rt.Logger))
		case config.SinkNATS:
			client, err := rt.connectNATS(ctx)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, client.Sink())
		case config.SinkRedis:
			rs, err := redisstream.Open(ctx, cfg.RedisStream)
			if err != nil {
				return nil, WrapExitError(ExitCommandError, "failed to open redis stream sink", err)
			}
			rt.Redis = rs
			rt.closers = append(rt.closers, func(context.Context) error { return rs.Close() })
			sinks = append(sinks, rs)
		case config.SinkFeed:
			rt.Feed = httpapi.NewFeed(rt.Logger)
			sinks = append(sinks, rt.Feed)
		default:
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown sink %q", name))
		}
	}
	return sinks, nil
}

// connectNATS returns the shared NATS client, connecting on first use.
func (rt *Runtime) connectNATS(ctx context.Context) (*natsjs.Client, error) {
	if rt.NATS != nil {
		return rt.NATS, nil
	}
	rt.Logger.Info("connecting to nats", "url", rt.Config.NATS.URL, "stream", rt.Config.NATS.Stream)
	client, err := natsjs.Connect(ctx, rt.Config.NATS)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to connect to nats", err)
	}
	rt.NATS = client
	rt.closers = append(rt.closers, func(context.Context) error { return client.Close() })
	return client, nil
}

// Close releases every resource in reverse order and joins the errors.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
