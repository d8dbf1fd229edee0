package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"clinic_engine/internal/actions"
	"clinic_engine/internal/attribution"
	"clinic_engine/internal/cli"
	"clinic_engine/internal/events"
	"clinic_engine/platform/config"
	"clinic_engine/platform/db"
	"clinic_engine/platform/logger"
	"clinic_engine/platform/validator"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand(openBackend).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func openBackend(ctx context.Context) (*cli.Backend, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.Env)

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	bus := events.NewInMemoryBus(log)
	var forwarder *events.Forwarder
	if cfg.IsStreamEnabled() {
		forwarder = events.NewForwarder(events.NewKafkaWriter(cfg), log)
		forwarder.Attach(bus)
	}

	return &cli.Backend{
		Attribution: attribution.NewModule(pool, bus, validator.New(), cfg, log).Service(),
		Actions:     actions.NewModule(pool, bus, cfg, log).Service(),
		Migrate:     func(ctx context.Context) error { return db.RunMigrations(ctx, pool) },
		Status:      func(ctx context.Context) error { return db.MigrationStatus(ctx, pool) },
		Close: func() {
			bus.Wait()
			if forwarder != nil {
				_ = forwarder.Close()
			}
			pool.Close()
		},
	}, nil
}
