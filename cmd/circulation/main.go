// cmd/circulation/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"libralend/internal/availability"
	"libralend/internal/catalog"
	"libralend/internal/catalog/memstore"
	"libralend/internal/catalog/pgstore"
	"libralend/internal/circulation"
	"libralend/internal/config"
	"libralend/internal/notify"
	"libralend/internal/overdue"
	"libralend/internal/telemetry"
)

func main() {
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
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("circulation service stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}()

	shutdownMeter, err := telemetry.InitMeter(ctx, cfg.ServiceName, cfg.MetricsEndpoint, cfg.MetricsInterval)
	if err != nil {
		return fmt.Errorf("init meter: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMeter(shutdownCtx); err != nil {
			logger.Warn("meter shutdown", "error", err)
		}
	}()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	notifier := notify.NewGuarded(newNotifier(cfg, logger), notify.GuardOptions{
		Name:        "circulation-notifier",
		RatePerSec:  cfg.NotifyRatePerSec,
		Burst:       cfg.NotifyBurst,
		MaxFailures: cfg.NotifyBreakerFailures,
		Logger:      logger,
	})

	resolver := availability.NewResolver(store, notifier, logger)
	engine := circulation.NewEngine(store,
		circulation.WithLogger(logger),
		circulation.WithMaxAttempts(cfg.CheckoutMaxAttempts),
		circulation.WithRetryBaseDelay(cfg.RetryBaseDelay),
		circulation.WithLateFeePerDay(cfg.LateFeePerDay),
		circulation.WithAvailabilityNotifier(resolver),
	)
	scanner := overdue.NewScanner(store, notifier,
		overdue.WithLogger(logger),
		overdue.WithBatchSize(cfg.OverdueScanBatch),
	)

	scanDone := make(chan struct{})
	if cfg.OverdueScanInterval > 0 {
		go func() {
			defer close(scanDone)
			scanner.Run(ctx, cfg.OverdueScanInterval)
		}()
	} else {
		close(scanDone)
		logger.Info("in-process overdue scan disabled")
	}

	handler := circulation.NewHandler(engine, scanner, store, logger)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting circulation service", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	stop()
	<-scanDone
	engine.Wait()
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (catalog.Store, error) {
	if cfg.StoreDriver == "memory" {
		logger.Warn("using in-memory store; state is lost on restart")
		return memstore.New(), nil
	}
	store, err := pgstore.Open(ctx, pgstore.Config{
		Driver:          cfg.StoreDriver,
		DSN:             cfg.DatabaseURL,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	return store, nil
}

func newNotifier(cfg config.Config, logger *slog.Logger) notify.Notifier {
	if cfg.NotifyWebhookURL == "" {
		return notify.NewLog(logger)
	}
	return notify.NewWebhook(cfg.NotifyWebhookURL, cfg.NotifyTimeout)
}
