package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/till/internal/broadcast"
	"github.com/roach88/till/internal/catalog"
	"github.com/roach88/till/internal/clock"
	"github.com/roach88/till/internal/command"
	"github.com/roach88/till/internal/config"
	"github.com/roach88/till/internal/ledger"
	"github.com/roach88/till/internal/metrics"
	"github.com/roach88/till/internal/payment"
	"github.com/roach88/till/internal/state"
	"github.com/roach88/till/internal/telemetry"
	"github.com/roach88/till/internal/trace"
)

// register is a fully wired register process: ledger, store, payment
// engine, dispatcher, broadcast hub and telemetry.
type register struct {
	logger     *slog.Logger
	ledger     *ledger.Ledger
	bus        *trace.Bus
	store      *state.Store
	dispatcher *command.Dispatcher
	hub        *broadcast.Hub

	closers []func(context.Context) error
}

// openRegister assembles a register from cfg. Recovery of interrupted
// transactions and the retention policy both run as part of opening the
// store; the policy is applied again after every completed sale.
func openRegister(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *register, err error) {
	r := &register{logger: logger}
	defer func() {
		if err != nil {
			_ = r.close(context.WithoutCancel(ctx))
		}
	}()

	cat := catalog.Default()
	if cfg.CatalogPath != "" {
		if cat, err = catalog.Load(cfg.CatalogPath); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load catalog", err)
		}
	}

	seed := cfg.Seed
	if seed == 0 {
		if seed, err = clock.NewSeed(); err != nil {
			return nil, err
		}
	}
	rnd := clock.NewRandom(seed)
	clk := clock.System{}

	logger.Info("opening ledger", "path", cfg.DBPath)
	l, err := ledger.Open(cfg.DBPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	r.ledger = l
	r.closers = append(r.closers, func(context.Context) error { return l.Close() })

	r.bus = trace.New(clk,
		trace.WithCapacity(cfg.TraceCapacity),
		trace.WithLogger(logger))

	tp, shutdownTelemetry, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, Version)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to set up telemetry", err)
	}
	r.closers = append(r.closers, shutdownTelemetry)
	if cfg.OTLPEndpoint != "" {
		detach := telemetry.NewExporter(tp, telemetry.WithLogger(logger)).Attach(r.bus)
		r.closers = append(r.closers, func(context.Context) error { detach(); return nil })
		logger.Info("exporting command spans", "endpoint", cfg.OTLPEndpoint)
	}

	store, err := state.Open(ctx, state.Deps{
		Catalog: cat,
		Ledger:  l,
		Metrics: metrics.New(clk, metrics.WithWindow(cfg.MetricsWindow)),
		Clock:   clk,
		Logger:  logger,
		Trace:   r.bus,

		Retention: cfg.Retention(),
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open register", err)
	}
	r.store = store
	if recovered := store.Recovered(); len(recovered) > 0 {
		logger.Warn("recovered interrupted transactions", "voided", recovered)
	}
	if archived := store.Archived(); archived.Archived > 0 {
		logger.Info("applied retention policy", "archived", archived.Archived, "revenue", archived.Revenue)
	}

	gateway := payment.NewSimulatedGateway(clk, rnd,
		payment.WithLatency(cfg.GatewayLatency),
		payment.WithFailureRate(cfg.FailureRate))
	engine := payment.NewEngine(gateway, clk,
		payment.WithPolicy(cfg.RetryPolicy()),
		payment.WithLogger(logger),
		payment.WithTrace(r.bus))

	r.dispatcher = command.New(store, engine,
		command.WithTrace(r.bus),
		command.WithClock(clk),
		command.WithRandom(rnd),
		command.WithLogger(logger),
		command.WithDemoConfig(cfg.Demo()),
		command.WithBaseContext(context.WithoutCancel(ctx)))

	r.hub = broadcast.Start(ctx, store,
		broadcast.WithLogger(logger),
		broadcast.WithTrace(r.bus))
	r.closers = append(r.closers,
		r.hub.Close,
		store.Shutdown,
		func(ctx context.Context) error { r.dispatcher.Close(ctx); return nil },
	)

	logger.Info("register ready", "products", cat.Len(), "version", store.Version())
	return r, nil
}

// close releases everything in reverse order. The demo loop stops first,
// then the store shuts down and voids any pending payment, and the hub
// drains the final broadcasts before the ledger closes.
func (r *register) close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close register: %w", err)
	}
	return nil
}
