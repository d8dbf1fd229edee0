package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	actionsdomain "clinic_engine/internal/actions/domain"
	attributiondomain "clinic_engine/internal/attribution/domain"
	attributionservice "clinic_engine/internal/attribution/service"
	"clinic_engine/platform/apperr"
	"clinic_engine/platform/logger"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

type fakeGenerators struct {
	name     string
	clinicID *uuid.UUID
	at       time.Time
	err      error
}

func (f *fakeGenerators) RunByName(_ context.Context, name string, clinicID *uuid.UUID, now time.Time) (actionsdomain.Result, error) {
	f.name, f.clinicID, f.at = name, clinicID, now
	return actionsdomain.Result{Scanned: 1, Created: 1}, f.err
}

type fakeAttributions struct {
	evaluated []uuid.UUID
	swept     int
	err       error
}

func (f *fakeAttributions) EvaluateAttribution(_ context.Context, patientID, invoiceID uuid.UUID) (*attributiondomain.Attribution, error) {
	f.evaluated = append(f.evaluated, patientID, invoiceID)
	if f.err != nil {
		return nil, f.err
	}
	return &attributiondomain.Attribution{PatientID: patientID}, nil
}

func (f *fakeAttributions) SweepPendingAttributions(_ context.Context, _ *uuid.UUID) (attributionservice.SweepResult, error) {
	f.swept++
	return attributionservice.SweepResult{}, f.err
}

func newTestWorker(gens *fakeGenerators, attrs *fakeAttributions, now time.Time) *Worker {
	return &Worker{
		generators:   gens,
		attributions: attrs,
		log:          logger.Nop(),
		now:          func() time.Time { return now },
	}
}

func TestHandleRunGeneratorDefaultsToProcessingTime(t *testing.T) {
	now := time.Date(2026, 6, 1, 6, 0, 0, 0, time.UTC)
	gens := &fakeGenerators{}
	w := newTestWorker(gens, &fakeAttributions{}, now)

	task, err := NewRunGeneratorTask(RunGeneratorPayload{Generator: "recall"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := w.handleRunGenerator(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gens.name != "recall" || gens.clinicID != nil || !gens.at.Equal(now) {
		t.Fatalf("unexpected run %+v", gens)
	}
}

func TestHandleRunGeneratorScopedToClinic(t *testing.T) {
	clinicID := uuid.New()
	at := time.Date(2026, 6, 1, 6, 0, 0, 0, time.UTC)
	gens := &fakeGenerators{}
	w := newTestWorker(gens, &fakeAttributions{}, time.Now())

	task, _ := NewRunGeneratorTask(RunGeneratorPayload{Generator: "callback", ClinicID: clinicID.String(), At: at})
	if err := w.handleRunGenerator(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gens.clinicID == nil || *gens.clinicID != clinicID || !gens.at.Equal(at) {
		t.Fatalf("unexpected run %+v", gens)
	}
}

func TestHandlersSkipRetryForPermanentFailures(t *testing.T) {
	attrs := &fakeAttributions{err: apperr.Validation("invoice is not paid")}
	w := newTestWorker(&fakeGenerators{}, attrs, time.Now())

	task, _ := NewEvaluateAttributionTask(EvaluateAttributionPayload{PatientID: uuid.NewString(), InvoiceID: uuid.NewString()})
	err := w.handleEvaluateAttribution(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected skip retry, got %v", err)
	}

	bad := asynq.NewTask(TaskEvaluateAttribution, []byte(`{"patientId":"nope","invoiceId":"nope"}`))
	if err := w.handleEvaluateAttribution(context.Background(), bad); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected skip retry for malformed ids, got %v", err)
	}
}

func TestHandlersRetryTransientFailures(t *testing.T) {
	transient := errors.New("connection refused")
	attrs := &fakeAttributions{err: transient}
	w := newTestWorker(&fakeGenerators{}, attrs, time.Now())

	task, _ := NewSweepAttributionsTask(SweepAttributionsPayload{})
	err := w.handleSweepAttributions(context.Background(), task)
	if !errors.Is(err, transient) || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if attrs.swept != 1 {
		t.Fatalf("expected one sweep, got %d", attrs.swept)
	}
}

func TestHandleSweepAcceptsEmptyPayload(t *testing.T) {
	attrs := &fakeAttributions{}
	w := newTestWorker(&fakeGenerators{}, attrs, time.Now())

	if err := w.handleSweepAttributions(context.Background(), asynq.NewTask(TaskSweepAttributions, nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attrs.swept != 1 {
		t.Fatalf("expected one sweep, got %d", attrs.swept)
	}
}

type signalSweeper struct {
	calls chan struct{}
}

func (s *signalSweeper) SweepPendingAttributions(_ context.Context, _ *uuid.UUID) (attributionservice.SweepResult, error) {
	s.calls <- struct{}{}
	return attributionservice.SweepResult{}, nil
}

func TestAttributionSweepRunsImmediatelyAndStops(t *testing.T) {
	sweeper := &signalSweeper{calls: make(chan struct{}, 1)}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- NewAttributionSweep(sweeper, logger.Nop(), time.Hour).Run(ctx) }()

	select {
	case <-sweeper.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not run on start")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not stop after cancel")
	}
}
