// Command gatewayctl is the operator surface of spec.md §6: pre-trading-check
// (the nine-point audit of internal/safety), breaker-reset (only legal once
// the reset audit passes: the same checks, with the breaker-state check
// replaced by one that fails only while DRAINING), and replay (reconstructs Event Bus/WAL history
// for inspection). Exit codes follow spec §6: 0 success, 1 recoverable
// failure (e.g. breaker open), 2 fatal configuration error, 3 corruption
// detected.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"tradegateway/internal/bootstrap"
	"tradegateway/internal/safety"
	"tradegateway/internal/wal"
	apperrors "tradegateway/pkg/errors"
)

const (
	exitOK          = 0
	exitRecoverable = 1
	exitFatalConfig = 2
	exitCorruption  = 3
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "Path to configuration file")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: gatewayctl [-config PATH] <pre-trading-check|breaker-reset|replay> [args]")
		os.Exit(exitFatalConfig)
	}

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize: %v\n", err)
		os.Exit(exitFatalConfig)
	}

	switch args[0] {
	case "pre-trading-check":
		os.Exit(runPreTradingCheck(app))
	case "breaker-reset":
		os.Exit(runBreakerReset(app))
	case "replay":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: gatewayctl replay <wal-dir>")
			os.Exit(exitFatalConfig)
		}
		os.Exit(runReplay(app, args[1]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		os.Exit(exitFatalConfig)
	}
}

func safetyDeps(app *bootstrap.App, sys *bootstrap.System) safety.Deps {
	return safety.Deps{
		Breaker:    sys.Breaker,
		Reconciler: sys.Reconciler,
		Exchange:   sys.Exchange,
		Balances:   sys.Balances,
		Locker:     sys.Locker,
		OrderStore: sys.OrderStore,
		Bus:        sys.Bus,
		WALDir:     app.Cfg.Persistence.WALDir,
		Symbols:    app.Cfg.Trading.Symbols,
	}
}

func buildChecker(app *bootstrap.App) (*safety.Checker, *bootstrap.System, error) {
	sys, err := bootstrap.BuildSystem(app.Cfg, app.Logger)
	if err != nil {
		return nil, nil, err
	}
	return safety.NewChecker(app.Logger, safetyDeps(app, sys)), sys, nil
}

// buildResetChecker builds the breaker-reset audit, which must not fail
// solely because the breaker is OPEN — OPEN is the one state Reset()
// actually accepts.
func buildResetChecker(app *bootstrap.App) (*safety.Checker, *bootstrap.System, error) {
	sys, err := bootstrap.BuildSystem(app.Cfg, app.Logger)
	if err != nil {
		return nil, nil, err
	}
	return safety.NewResetChecker(app.Logger, safetyDeps(app, sys)), sys, nil
}

func runPreTradingCheck(app *bootstrap.App) int {
	checker, sys, err := buildChecker(app)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build system: %v\n", err)
		return exitFatalConfig
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sys.Shutdown(shutdownCtx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	results := checker.Run(ctx)
	encoded, _ := json.MarshalIndent(results, "", "  ")
	fmt.Println(string(encoded))

	if safety.Passed(results) {
		fmt.Println("pre-trading check: PASS")
		return exitOK
	}
	fmt.Println("pre-trading check: FAIL")
	return exitRecoverable
}

func runBreakerReset(app *bootstrap.App) int {
	checker, sys, err := buildResetChecker(app)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build system: %v\n", err)
		return exitFatalConfig
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sys.Shutdown(shutdownCtx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	results := checker.Run(ctx)
	if !safety.Passed(results) {
		fmt.Fprintln(os.Stderr, "refusing breaker-reset: reset audit did not pass")
		for _, r := range results {
			if !r.OK {
				fmt.Fprintf(os.Stderr, "  %s: %v\n", r.Name, r.Err)
			}
		}
		return exitRecoverable
	}

	if err := sys.Breaker.Reset(); err != nil {
		fmt.Fprintf(os.Stderr, "breaker reset failed: %v\n", err)
		return exitRecoverable
	}

	fmt.Println("circuit breaker reset to HALF_OPEN, awaiting probe order")
	return exitOK
}

func runReplay(app *bootstrap.App, dir string) int {
	w, err := wal.Open(dir, 64*1024*1024, app.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening wal: %v\n", err)
		return exitFatalConfig
	}
	defer w.Close()

	count := 0
	err = w.Replay(func(seq uint64, topic string, payload []byte, ts time.Time) error {
		count++
		fmt.Printf("%d\t%s\t%s\t%s\n", seq, ts.Format(time.RFC3339Nano), topic, string(payload))
		return nil
	})

	if err != nil {
		if errors.Is(err, apperrors.ErrCorruption) {
			fmt.Fprintf(os.Stderr, "wal replay: corruption detected: %v\n", err)
			return exitCorruption
		}
		fmt.Fprintf(os.Stderr, "wal replay failed: %v\n", err)
		return exitFatalConfig
	}

	fmt.Fprintf(os.Stderr, "replayed %d records\n", count)
	return exitOK
}
