package scheduler

import (
	"context"
	"fmt"
	"time"

	actionsservice "clinic_engine/internal/actions/service"
	"clinic_engine/platform/config"
	"clinic_engine/platform/logger"

	"github.com/hibiken/asynq"
)

// PeriodicScheduler enqueues the schedule's entries on their cron ticks.
type PeriodicScheduler struct {
	scheduler *asynq.Scheduler
	entries   []string
	log       *logger.Logger
}

func NewPeriodicScheduler(cfg config.SchedulerConfig, schedule *Schedule, log *logger.Logger) (*PeriodicScheduler, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		Location: schedule.Location(cfg.GetSchedulerLocation()),
		Logger:   newAsynqLogger(log),
		LogLevel: asynq.WarnLevel,
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil {
				log.Warn("periodic enqueue failed", "error", err)
				return
			}
			log.Debug("periodic task enqueued", "task", info.Type, "id", info.ID)
		},
	})

	p := &PeriodicScheduler{scheduler: scheduler, log: log}
	queue := queueName(cfg)
	for _, entry := range schedule.Entries {
		task, err := entryTask(entry)
		if err != nil {
			return nil, err
		}
		id, err := scheduler.Register(entry.Cron, task,
			asynq.Queue(queue),
			asynq.MaxRetry(3),
			asynq.Timeout(30*time.Minute),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to register %q: %w", entry.Name, err)
		}
		p.entries = append(p.entries, id)
		log.Info("registered periodic task", "name", entry.Name, "cron", entry.Cron, "task", entry.Task)
	}

	return p, nil
}

// Run enqueues tasks until ctx is cancelled.
func (p *PeriodicScheduler) Run(ctx context.Context) error {
	if err := p.scheduler.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	p.scheduler.Shutdown()
	return nil
}

func entryTask(entry ScheduleEntry) (*asynq.Task, error) {
	switch entry.Task {
	case TaskRunGenerator:
		return NewRunGeneratorTask(RunGeneratorPayload{Generator: entry.Generator, ClinicID: entry.ClinicID})
	case TaskSweepAttributions:
		return NewSweepAttributionsTask(SweepAttributionsPayload{ClinicID: entry.ClinicID})
	default:
		return nil, fmt.Errorf("unsupported task %q", entry.Task)
	}
}

func knownGenerator(name string) bool {
	for _, g := range actionsservice.Generators() {
		if g == name {
			return true
		}
	}
	return false
}
