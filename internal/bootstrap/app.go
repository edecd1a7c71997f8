// Package bootstrap composes the System (spec.md §9's "Global singletons
// ... become values constructed once in a top-level System struct and
// passed by reference") and runs it with a signal-aware lifecycle.
//
// Grounded on internal/bootstrap/app.go's App/Runner/errgroup shape; the
// teacher's parallel log/slog stack is dropped in favor of the single
// zap-backed core.ILogger every other domain component is built against.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"tradegateway/internal/core"
	"tradegateway/pkg/logging"
)

// App holds the process-level dependencies common to every entrypoint
// (cmd/gateway, cmd/gatewayctl): configuration and the logger every
// component below it is built with.
type App struct {
	Cfg    *Config
	Logger core.ILogger
}

// NewApp loads configuration from configPath and constructs the logger.
func NewApp(configPath string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	return &App{Cfg: cfg, Logger: logger}, nil
}

// Runner is a component that can be run until ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// Run starts every runner under a shared errgroup and blocks until a
// SIGINT/SIGTERM arrives or any runner returns a non-nil, non-cancellation
// error, in which case every other runner's context is cancelled too.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("starting application")

	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		a.Logger.Error("application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("application shut down gracefully")
	return nil
}
