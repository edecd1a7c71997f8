// Command gateway is the Order Gateway process: it loads configuration,
// wires every domain component via internal/bootstrap.System, runs Startup
// Recovery (spec.md §4.12), and then serves order submissions until a
// SIGINT/SIGTERM arrives.
//
// Grounded on cmd/live_server/main.go's flag-parse/load-config/log-startup
// shape, simplified to this process's single responsibility.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"tradegateway/internal/bootstrap"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gateway version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize: %v\n", err)
		os.Exit(2)
	}

	app.Logger.Info("starting gateway", "version", version, "build_time", buildTime)

	sys, err := bootstrap.BuildSystem(app.Cfg, app.Logger)
	if err != nil {
		app.Logger.Error("failed to build system", "error", err)
		os.Exit(2)
	}

	if err := sys.Launch(); err != nil {
		app.Logger.Error("failed to launch durable runtime", "error", err)
		os.Exit(2)
	}

	recoveryCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	if err := sys.Recovery.RunRecoverySequence(recoveryCtx); err != nil {
		cancel()
		app.Logger.Error("startup recovery failed", "error", err)
		os.Exit(1)
	}
	cancel()

	app.Logger.Info("startup recovery complete, gateway accepting submissions")

	runErr := app.Run(bootstrap.ReconcilerRunner{Reconciler: sys.Reconciler})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := sys.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error("error during shutdown", "error", err)
	}

	if runErr != nil {
		os.Exit(1)
	}
}
