// Package service provides business logic for attribution evaluation,
// manual correction and the pending-attribution sweep.
package service

import (
	"context"
	"fmt"
	"time"

	"clinic_engine/internal/attribution/domain"
	"clinic_engine/internal/audit"
	"clinic_engine/internal/clinicdata"
	"clinic_engine/internal/events"
	"clinic_engine/platform/apperr"
	"clinic_engine/platform/config"
	"clinic_engine/platform/logger"
	"clinic_engine/platform/phone"
	"clinic_engine/platform/sanitize"

	"github.com/google/uuid"
)

// AuditTargetType is the target_type of audit rows written for attributions.
const AuditTargetType = "attribution"

const (
	sweepBatchSize  = 200
	maxReasonLength = 1000
)

// Records is the read side of synced clinic data the service needs.
type Records interface {
	ListActiveClinics(ctx context.Context) ([]clinicdata.Clinic, error)
	GetPatient(ctx context.Context, id uuid.UUID) (*clinicdata.Patient, error)
	GetInvoice(ctx context.Context, id uuid.UUID) (*clinicdata.Invoice, error)
	FirstPaidInvoice(ctx context.Context, patientID uuid.UUID) (*clinicdata.Invoice, error)
	ListCallsByPhone(ctx context.Context, clinicID uuid.UUID, phones []string, from, to time.Time) ([]clinicdata.CallEvent, error)
	ListTouchesByEmail(ctx context.Context, clinicID uuid.UUID, email string, from, to time.Time) ([]clinicdata.MarketingTouch, error)
	GetCallEvent(ctx context.Context, id uuid.UUID) (*clinicdata.CallEvent, error)
	GetMarketingTouch(ctx context.Context, id uuid.UUID) (*clinicdata.MarketingTouch, error)
	ListUnattributedPatients(ctx context.Context, clinicID uuid.UUID, after *clinicdata.PatientCursor, limit int) ([]clinicdata.Patient, error)
}

// Store persists attributions.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Attribution, error)
	GetByPatient(ctx context.Context, patientID uuid.UUID) (*domain.Attribution, error)
	Upsert(ctx context.Context, a *domain.Attribution) (*domain.Attribution, domain.UpsertOutcome, error)
	UpdateLocked(ctx context.Context, id uuid.UUID, mutate func(*domain.Attribution) error) (*domain.Attribution, error)
}

// Auditor records access to attributions.
type Auditor interface {
	RecordAudit(ctx context.Context, e audit.Entry) (*audit.Log, error)
}

// Service evaluates and corrects attributions.
type Service struct {
	records    Records
	store      Store
	auditor    Auditor
	bus        events.Bus
	log        *logger.Logger
	lookback   time.Duration
	region     string
	sweepBatch int
	now        func() time.Time
}

// New creates a new attribution service. auditor and bus may be nil.
func New(records Records, store Store, auditor Auditor, bus events.Bus, cfg config.EngineConfig, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	s := &Service{
		records:    records,
		store:      store,
		auditor:    auditor,
		bus:        bus,
		log:        log,
		lookback:   domain.DefaultLookback,
		region:     phone.DefaultRegion,
		sweepBatch: sweepBatchSize,
		now:        time.Now,
	}
	if cfg != nil {
		if lb := cfg.GetAttributionLookback(); lb > 0 {
			s.lookback = lb
		}
		if r := cfg.GetPhoneRegion(); r != "" {
			s.region = r
		}
	}
	return s
}

// EvaluateAttribution ranks the patient's calls and marketing touches in the
// lookback window before the invoice was paid and stores the decision.
// Re-running with the same inputs yields the same decision; a manual override
// is never replaced.
func (s *Service) EvaluateAttribution(ctx context.Context, patientID, invoiceID uuid.UUID) (*domain.Attribution, error) {
	patient, err := s.records.GetPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	invoice, err := s.records.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.PatientID != patient.ID {
		return nil, apperr.Validation("invoice does not belong to patient")
	}
	if !invoice.IsPaid() || invoice.PaidAt == nil {
		return nil, apperr.Validation("invoice is not paid")
	}

	from, to := domain.Window(*invoice.PaidAt, s.lookback)

	calls, err := s.records.ListCallsByPhone(ctx, patient.ClinicID, phone.MatchVariants(patient.Phone, s.region), from, to)
	if err != nil {
		return nil, err
	}
	touches, err := s.records.ListTouchesByEmail(ctx, patient.ClinicID, patient.Email, from, to)
	if err != nil {
		return nil, err
	}

	decision := domain.Rank(calls, touches)

	amount := invoice.TotalAmountCents
	paidDate := truncateToDay(*invoice.PaidAt)
	candidate := &domain.Attribution{
		PatientID:               patient.ID,
		ClinicID:                patient.ClinicID,
		Type:                    decision.Type,
		Status:                  domain.StatusAuto,
		Source:                  decision.Source,
		CampaignName:            decision.CampaignName,
		CampaignSource:          decision.CampaignSource,
		CampaignMedium:          decision.CampaignMedium,
		Evidence:                domain.NewEvidence(*invoice, from, s.now(), len(calls), len(touches), decision),
		FirstInvoiceAmountCents: &amount,
		FirstInvoiceDate:        &paidDate,
	}

	stored, outcome, err := s.store.Upsert(ctx, candidate)
	if err != nil {
		return nil, err
	}
	applied := outcome.Applied()

	switch outcome {
	case domain.UpsertCreated:
		s.recordAudit(ctx, nil, audit.ActionCreate, stored, evaluationChanges(stored, decision.Rule))
	case domain.UpsertUpdated:
		s.recordAudit(ctx, nil, audit.ActionUpdate, stored, evaluationChanges(stored, decision.Rule))
	}

	s.log.Info("attribution evaluated",
		"patient_id", patient.ID,
		"clinic_id", patient.ClinicID,
		"type", stored.Type,
		"rule", decision.Rule,
		"applied", applied,
	)

	s.publish(ctx, events.AttributionEvaluated{
		BaseEvent:     events.NewBaseEvent(s.now()),
		ClinicID:      stored.ClinicID,
		PatientID:     stored.PatientID,
		AttributionID: stored.ID,
		InvoiceID:     invoice.ID,
		Type:          string(stored.Type),
		Rule:          string(decision.Rule),
		CampaignName:  stored.CampaignName,
		Applied:       applied,
	})

	return stored, nil
}

// OverrideAttribution applies a manual correction under a row lock. A nil
// newSource keeps the current reference; NoSource clears it. The superseded
// decision is appended to the evidence history.
func (s *Service) OverrideAttribution(ctx context.Context, attributionID, actorID uuid.UUID, newSource *domain.SourceRef, reason string) (*domain.Attribution, error) {
	reason = sanitize.Limit(sanitize.Text(reason), maxReasonLength)
	if reason == "" {
		return nil, apperr.Validation("override reason is required")
	}

	var previous domain.PreviousAttribution
	updated, err := s.store.UpdateLocked(ctx, attributionID, func(a *domain.Attribution) error {
		o := domain.Override{
			Source:  newSource,
			ActorID: actorID,
			Reason:  reason,
			At:      s.now(),
		}
		if newSource != nil && !newSource.IsNone() {
			if err := s.describeSource(ctx, a.ClinicID, *newSource, &o); err != nil {
				return err
			}
		}
		previous = a.Snapshot(o.At)
		a.ApplyOverride(o)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("attribution overridden",
		"attribution_id", updated.ID,
		"actor_id", actorID,
		"previous_type", previous.Type,
		"type", updated.Type,
	)

	s.recordAudit(ctx, &actorID, audit.ActionUpdate, updated, map[string]any{
		"previous": previous,
		"type":     updated.Type,
		"source":   updated.Source.String(),
		"campaign": updated.CampaignName,
		"reason":   reason,
	})

	s.publish(ctx, events.AttributionOverridden{
		BaseEvent:     events.NewBaseEvent(s.now()),
		ClinicID:      updated.ClinicID,
		PatientID:     updated.PatientID,
		AttributionID: updated.ID,
		ActorID:       actorID,
		PreviousType:  string(previous.Type),
		Type:          string(updated.Type),
		Source:        updated.Source.String(),
		Reason:        reason,
	})

	return updated, nil
}

// evaluationChanges summarizes a ranker decision for the audit trail.
func evaluationChanges(a *domain.Attribution, rule domain.Rule) map[string]any {
	return map[string]any{
		"type":     a.Type,
		"rule":     rule,
		"source":   a.Source.String(),
		"campaign": a.CampaignName,
	}
}

// describeSource loads the referenced record and copies its campaign fields.
func (s *Service) describeSource(ctx context.Context, clinicID uuid.UUID, ref domain.SourceRef, o *domain.Override) error {
	switch ref.Kind {
	case domain.SourceCall:
		call, err := s.records.GetCallEvent(ctx, ref.ID)
		if err != nil {
			return err
		}
		if call.ClinicID != clinicID {
			return apperr.Validation("call event belongs to another clinic")
		}
		o.CampaignName = call.CampaignName
		o.CampaignSource = "organic"
		if call.HasCampaign() {
			o.CampaignSource = "phone"
		}
		o.CampaignMedium = "call"
	case domain.SourceTouch:
		touch, err := s.records.GetMarketingTouch(ctx, ref.ID)
		if err != nil {
			return err
		}
		if touch.ClinicID != clinicID {
			return apperr.Validation("marketing touch belongs to another clinic")
		}
		o.CampaignName = touch.UTMCampaign
		o.CampaignSource = touch.UTMSource
		o.CampaignMedium = touch.UTMMedium
	default:
		return apperr.Validation(fmt.Sprintf("unsupported source kind %q", ref.Kind))
	}
	return nil
}

// GetPatientAttribution returns a patient's attribution within clinicID and
// records the read.
func (s *Service) GetPatientAttribution(ctx context.Context, clinicID, patientID uuid.UUID, actorID *uuid.UUID) (*domain.Attribution, error) {
	a, err := s.store.GetByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if a.ClinicID != clinicID {
		return nil, apperr.NotFound("attribution not found")
	}

	s.recordAudit(ctx, actorID, audit.ActionRead, a, nil)
	return a, nil
}

// SweepResult counts the outcome of one sweep.
type SweepResult struct {
	Scanned   int
	Evaluated int
	Skipped   int
	Failed    int
}

// SweepPendingAttributions evaluates patients that have a paid invoice but no
// attribution yet, using their earliest paid invoice. A nil clinicID sweeps
// every active clinic. Per-patient failures are logged and counted.
func (s *Service) SweepPendingAttributions(ctx context.Context, clinicID *uuid.UUID) (SweepResult, error) {
	clinicIDs, err := s.clinicScope(ctx, clinicID)
	if err != nil {
		return SweepResult{}, err
	}

	var result SweepResult
	for _, id := range clinicIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if err := s.sweepClinic(ctx, id, &result); err != nil {
			return result, err
		}
	}

	s.log.Info("attribution sweep finished",
		"scanned", result.Scanned,
		"evaluated", result.Evaluated,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	return result, nil
}

// sweepClinic pages through a clinic's pending patients. Patients that fail
// stay pending but the cursor moves past them, so they cannot hold the head of
// every batch.
func (s *Service) sweepClinic(ctx context.Context, clinicID uuid.UUID, result *SweepResult) error {
	var after *clinicdata.PatientCursor
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		patients, err := s.records.ListUnattributedPatients(ctx, clinicID, after, s.sweepBatch)
		if err != nil {
			return err
		}

		for _, p := range patients {
			result.Scanned++
			s.sweepPatient(ctx, p, result)
		}

		if len(patients) < s.sweepBatch {
			return nil
		}
		cursor := clinicdata.CursorOf(patients[len(patients)-1])
		after = &cursor
	}
}

func (s *Service) sweepPatient(ctx context.Context, p clinicdata.Patient, result *SweepResult) {
	invoice, err := s.records.FirstPaidInvoice(ctx, p.ID)
	if err != nil {
		result.Failed++
		s.log.Warn("sweep: failed to load first paid invoice", "patient_id", p.ID, "error", err)
		return
	}
	if invoice == nil {
		result.Skipped++
		return
	}
	if _, err := s.EvaluateAttribution(ctx, p.ID, invoice.ID); err != nil {
		result.Failed++
		s.log.Warn("sweep: evaluation failed", "patient_id", p.ID, "invoice_id", invoice.ID, "error", err)
		return
	}
	result.Evaluated++
}

func (s *Service) clinicScope(ctx context.Context, clinicID *uuid.UUID) ([]uuid.UUID, error) {
	if clinicID != nil {
		return []uuid.UUID{*clinicID}, nil
	}
	clinics, err := s.records.ListActiveClinics(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(clinics))
	for _, c := range clinics {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// recordAudit never fails the caller; a write that already committed stands.
func (s *Service) recordAudit(ctx context.Context, actorID *uuid.UUID, action audit.Action, a *domain.Attribution, changes map[string]any) {
	if s.auditor == nil {
		return
	}
	_, err := s.auditor.RecordAudit(ctx, audit.Entry{
		ActorID:    actorID,
		ClinicID:   a.ClinicID,
		Action:     action,
		TargetType: AuditTargetType,
		TargetID:   a.ID,
		TargetRepr: fmt.Sprintf("Attribution %s: %s (%s)", a.PatientID, a.Type, a.Status),
		Changes:    changes,
		Provenance: audit.ProvenanceFromContext(ctx),
	})
	if err != nil {
		s.log.Error("failed to record audit entry", "attribution_id", a.ID, "action", action, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, evt events.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, evt)
}

func truncateToDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// OverrideInClinic is OverrideAttribution for callers bound to one clinic.
// Attributions of other clinics are reported as not found.
func (s *Service) OverrideInClinic(ctx context.Context, clinicID, attributionID, actorID uuid.UUID, newSource *domain.SourceRef, reason string) (*domain.Attribution, error) {
	current, err := s.store.GetByID(ctx, attributionID)
	if err != nil {
		return nil, err
	}
	if current.ClinicID != clinicID {
		return nil, apperr.NotFound("attribution not found")
	}
	return s.OverrideAttribution(ctx, attributionID, actorID, newSource, reason)
}
