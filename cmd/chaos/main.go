// cmd/chaos/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"libralend/internal/catalog"
	"libralend/internal/catalog/memstore"
	"libralend/internal/catalog/pgstore"
	"libralend/internal/chaos"
	"libralend/internal/config"
	"libralend/internal/telemetry"
)

func main() {
	duration := flag.Duration("duration", 10*time.Second, "Observation window per experiment")
	pause := flag.Duration("pause", 5*time.Second, "Pause between experiments")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := telemetry.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store catalog.Store
	if cfg.StoreDriver == "memory" {
		store = memstore.New()
	} else {
		store, err = pgstore.Open(ctx, pgstore.Config{
			Driver:       cfg.StoreDriver,
			DSN:          cfg.DatabaseURL,
			MaxOpenConns: cfg.DBMaxOpenConns,
			MaxIdleConns: cfg.DBMaxIdleConns,
		}, logger)
		if err != nil {
			logger.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
			os.Exit(1)
		}
	}
	defer store.Close()

	runner := chaos.NewRunner(chaos.WithLogger(logger), chaos.WithPause(*pause))
	chaos.NewHarness(store, logger).Register(runner, *duration)

	gameDay := chaos.GameDay{
		Name:      "Lending Consistency Game Day",
		Date:      time.Now(),
		Scenarios: runner.Experiments(),
	}

	if err := runner.ExecuteGameDay(ctx, gameDay); err != nil {
		logger.Error("chaos game day failed", "error", err)
		stop()
		os.Exit(1)
	}
}
