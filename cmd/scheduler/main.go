package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"clinic_engine/internal/actions"
	"clinic_engine/internal/attribution"
	"clinic_engine/internal/events"
	"clinic_engine/internal/scheduler"
	"clinic_engine/platform/config"
	"clinic_engine/platform/db"
	"clinic_engine/platform/logger"
	"clinic_engine/platform/validator"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting scheduler", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	schedule, err := scheduler.LoadSchedule(cfg.GetScheduleFile())
	if err != nil {
		log.Error("failed to load schedule", "error", err)
		panic("failed to load schedule: " + err.Error())
	}

	pool, err := db.Connect(ctx, cfg, log)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}

	eventBus := events.NewInMemoryBus(log)
	if cfg.IsStreamEnabled() {
		forwarder := events.NewForwarder(events.NewKafkaWriter(cfg), log)
		forwarder.Attach(eventBus)
		defer func() { _ = forwarder.Close() }()
	}

	// Worker-side wiring (no HTTP handlers are mounted).
	attributionModule := attribution.NewModule(pool, eventBus, validator.New(), cfg, log)
	actionsModule := actions.NewModule(pool, eventBus, cfg, log)

	worker, err := scheduler.NewWorker(cfg, actionsModule.Service(), attributionModule.Service(), log)
	if err != nil {
		log.Error("failed to initialize scheduler worker", "error", err)
		panic("failed to initialize scheduler worker: " + err.Error())
	}

	periodic, err := scheduler.NewPeriodicScheduler(cfg, schedule, log)
	if err != nil {
		log.Error("failed to initialize periodic scheduler", "error", err)
		panic("failed to initialize periodic scheduler: " + err.Error())
	}

	sweep := scheduler.NewAttributionSweep(attributionModule.Service(), log, schedule.SweepInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return periodic.Run(gctx) })
	g.Go(func() error { return sweep.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("scheduler stopped", "error", err)
	}
	eventBus.Wait()
	log.Info("scheduler stopped")
}
