package scheduler

import (
	"context"
	"fmt"
	"time"

	actionsdomain "clinic_engine/internal/actions/domain"
	attributiondomain "clinic_engine/internal/attribution/domain"
	attributionservice "clinic_engine/internal/attribution/service"
	"clinic_engine/platform/apperr"
	"clinic_engine/platform/config"
	"clinic_engine/platform/logger"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// GeneratorRunner runs a named action generator.
type GeneratorRunner interface {
	RunByName(ctx context.Context, name string, clinicID *uuid.UUID, now time.Time) (actionsdomain.Result, error)
}

// AttributionRunner evaluates attributions.
type AttributionRunner interface {
	EvaluateAttribution(ctx context.Context, patientID, invoiceID uuid.UUID) (*attributiondomain.Attribution, error)
	SweepPendingAttributions(ctx context.Context, clinicID *uuid.UUID) (attributionservice.SweepResult, error)
}

type Worker struct {
	server       *asynq.Server
	mux          *asynq.ServeMux
	generators   GeneratorRunner
	attributions AttributionRunner
	log          *logger.Logger
	now          func() time.Time
}

func NewWorker(cfg config.SchedulerConfig, generators GeneratorRunner, attributions AttributionRunner, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queueName(cfg): 1,
		},
		Logger:   newAsynqLogger(log),
		LogLevel: asynq.WarnLevel,
	})

	w := &Worker{
		server:       server,
		mux:          asynq.NewServeMux(),
		generators:   generators,
		attributions: attributions,
		log:          log,
		now:          time.Now,
	}
	w.register(w.mux)

	return w, nil
}

func (w *Worker) register(mux *asynq.ServeMux) {
	mux.Use(taskContext)
	mux.HandleFunc(TaskRunGenerator, w.handleRunGenerator)
	mux.HandleFunc(TaskEvaluateAttribution, w.handleEvaluateAttribution)
	mux.HandleFunc(TaskSweepAttributions, w.handleSweepAttributions)
}

// taskContext tags the handler context with the asynq task ID for logging.
func taskContext(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, task *asynq.Task) error {
		if id, ok := asynq.GetTaskID(ctx); ok {
			ctx = context.WithValue(ctx, logger.TaskIDKey, id)
		}
		return next.ProcessTask(ctx, task)
	})
}

// Run processes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil || w.server == nil {
		return nil
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
		return err
	}
	return nil
}

func (w *Worker) handleRunGenerator(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseRunGeneratorPayload(task)
	if err != nil {
		return skipRetry(err)
	}

	clinicID, err := parseOptionalUUID(payload.ClinicID)
	if err != nil {
		return skipRetry(err)
	}

	at := payload.At
	if at.IsZero() {
		at = w.now()
	}

	_, err = w.generators.RunByName(ctx, payload.Generator, clinicID, at)
	return classify(err)
}

func (w *Worker) handleEvaluateAttribution(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseEvaluateAttributionPayload(task)
	if err != nil {
		return skipRetry(err)
	}

	patientID, err := uuid.Parse(payload.PatientID)
	if err != nil {
		return skipRetry(err)
	}
	invoiceID, err := uuid.Parse(payload.InvoiceID)
	if err != nil {
		return skipRetry(err)
	}

	_, err = w.attributions.EvaluateAttribution(ctx, patientID, invoiceID)
	return classify(err)
}

func (w *Worker) handleSweepAttributions(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseSweepAttributionsPayload(task)
	if err != nil {
		return skipRetry(err)
	}

	clinicID, err := parseOptionalUUID(payload.ClinicID)
	if err != nil {
		return skipRetry(err)
	}

	_, err = w.attributions.SweepPendingAttributions(ctx, clinicID)
	return classify(err)
}

// classify stops asynq from retrying failures that cannot succeed later,
// such as a missing patient or an invoice that is not paid.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if !apperr.IsRetryable(err) {
		return skipRetry(err)
	}
	return err
}

func skipRetry(err error) error {
	return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
}

func parseOptionalUUID(raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
