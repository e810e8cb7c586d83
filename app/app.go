// Package app wires the connectors, order book maintainers, hubs and outer surfaces of
// the market book and runs them until the context is cancelled.
package app

import (
	"context"
	"fmt"

	"github.com/spooky-finn/go-marketbook/config"
	"github.com/spooky-finn/go-marketbook/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// App owns the configuration, the logger and the cleanup functions that run in reverse
// order on Close.
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	closers []func()

	deps *Deps
}

// New wires all components. Close releases them, also when Run was never called.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: logger.Named("app"),
	}

	deps, cleanup, err := Wire(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)
	a.deps = deps

	if err := a.subscribe(deps); err != nil {
		a.Close()
		return nil, fmt.Errorf("app: subscribe: %w", err)
	}
	return a, nil
}

func (a *App) Deps() *Deps {
	return a.deps
}

// Run blocks until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting market book",
		zap.Strings("providers", a.cfg.ProviderNames()),
		zap.String("log_level", a.cfg.Log.Level),
	)
	deps := a.deps

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return deps.Books.Run(ctx) })
	g.Go(func() error { return deps.Trades.Run(ctx) })
	g.Go(func() error { return deps.Providers.Run(ctx) })
	g.Go(func() error { return deps.Monitor.Run(ctx) })

	messages := make(chan domain.MarketMessage, a.cfg.Provider.FeedBuffer)
	g.Go(func() error { return deps.Router.Run(ctx, messages) })

	for _, m := range deps.Maintainers {
		m := m
		g.Go(func() error {
			// a failed initial load is reported on the provider hub, the other books keep running
			if err := m.Start(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("failed to load order book",
					zap.Int("provider_id", m.ProviderID()),
					zap.String("symbol", m.Symbol()),
					zap.Error(err),
				)
			}
			return nil
		})
	}

	for _, f := range deps.feeds {
		f := f
		g.Go(func() error {
			err := f.api.Run(ctx, messages)
			if err != nil && ctx.Err() == nil {
				a.logger.Error("feed stopped", zap.String("provider", f.provider), zap.Error(err))
				deps.Monitor.SetStatus(f.providerID, f.provider, domain.SessionStatusDisconnectedFailed, err.Error())
			}
			return nil
		})
	}

	if deps.GRPCServer != nil {
		g.Go(func() error { return deps.GRPCServer.Run(ctx) })
	}
	if deps.MetricsServer != nil {
		g.Go(func() error { return deps.MetricsServer.Run(ctx) })
	}

	err := g.Wait()
	a.logger.Info("market book stopped", zap.Error(err))
	return err
}

func (a *App) subscribe(deps *Deps) error {
	if deps.TOBSink != nil {
		if _, err := deps.Books.Subscribe(deps.TOBSink.Handle); err != nil {
			return err
		}
	}

	if _, err := deps.Providers.Subscribe(func(p domain.Provider) {
		a.logger.Info("provider status changed",
			zap.Int("provider_id", p.ProviderID),
			zap.String("provider", p.Code),
			zap.Stringer("status", p.Status),
			zap.String("reason", p.LastMessage),
		)
	}); err != nil {
		return err
	}

	if a.cfg.DebugMode {
		if _, err := deps.Trades.Subscribe(func(t domain.Trade) {
			a.logger.Debug("trade",
				zap.String("provider", t.ProviderName),
				zap.String("symbol", t.Symbol),
				zap.Stringer("side", t.Side),
				zap.String("price", t.Price.String()),
				zap.String("size", t.Size.String()),
			)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Close tears down all resources in reverse registration order. Subsequent calls are
// no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down market book")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
