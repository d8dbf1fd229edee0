// Package service wires the four action generators to clinic data and the
// idempotency ledger.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"clinic_engine/internal/actions/domain"
	"clinic_engine/internal/audit"
	"clinic_engine/internal/clinicdata"
	"clinic_engine/internal/events"
	"clinic_engine/platform/apperr"
	"clinic_engine/platform/config"
	"clinic_engine/platform/logger"
	"clinic_engine/platform/phone"

	"github.com/google/uuid"
)

// Generator names
const (
	GeneratorCallback          = "callback"
	GeneratorReviewRequest     = "review_request"
	GeneratorTreatmentFollowup = "treatment_followup"
	GeneratorRecall            = "recall"
)

// Trigger windows
const (
	callbackLookback      = 24 * time.Hour
	reviewDelay           = 24 * time.Hour
	reviewHalfWidth       = time.Hour
	treatmentDelay        = 7 * 24 * time.Hour
	treatmentHalfWidth    = 12 * time.Hour
	recallAfter           = 180 * 24 * time.Hour
	callbackSourceType    = "call_event"
	treatmentSourceType   = "treatment_plan"
	recallSourceType      = "patient"
	recallMonthKeyLayout  = "2006-01"
	descriptionDateLayout = "2006-01-02"
	auditTargetCallEvent  = "call_event"
)

// Records is the clinic data the generators read.
type Records interface {
	ListActiveClinics(ctx context.Context) ([]clinicdata.Clinic, error)
	GetClinic(ctx context.Context, id uuid.UUID) (*clinicdata.Clinic, error)
	ListMissedCalls(ctx context.Context, clinicID uuid.UUID, from, to time.Time) ([]clinicdata.CallEvent, error)
	FindPatientByPhone(ctx context.Context, clinicID uuid.UUID, phones []string) (*clinicdata.Patient, error)
	MarkCallProcessed(ctx context.Context, id uuid.UUID) (bool, error)
	ListCompletedAppointments(ctx context.Context, clinicID uuid.UUID, from, to time.Time) ([]clinicdata.AppointmentWithPatient, error)
	ListSentTreatmentPlans(ctx context.Context, clinicID uuid.UUID, from, to time.Time) ([]clinicdata.TreatmentPlanWithPatient, error)
	ListLapsedPatients(ctx context.Context, clinicID uuid.UUID, cutoff time.Time) ([]clinicdata.Patient, error)
}

// Auditor records the writes generators make to patient data.
type Auditor interface {
	RecordAudit(ctx context.Context, e audit.Entry) (*audit.Log, error)
}

// Service runs the action generators.
type Service struct {
	records Records
	ledger  domain.Ledger
	auditor Auditor
	bus     events.Bus
	log     *logger.Logger
	region  string
}

// New creates the generator service. bus may be nil.
func New(records Records, ledger domain.Ledger, bus events.Bus, cfg config.EngineConfig, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	region := phone.DefaultRegion
	if cfg != nil && cfg.GetPhoneRegion() != "" {
		region = cfg.GetPhoneRegion()
	}
	return &Service{records: records, ledger: ledger, bus: bus, log: log, region: region}
}

// SetAuditor makes every created record and every flagged call leave a system
// audit row. Without one the generators write no audit trail.
func (s *Service) SetAuditor(a Auditor) {
	s.auditor = a
}

// Generators lists the generator names in a stable order.
func Generators() []string {
	return []string{GeneratorCallback, GeneratorReviewRequest, GeneratorTreatmentFollowup, GeneratorRecall}
}

// RunByName dispatches to the named generator.
func (s *Service) RunByName(ctx context.Context, name string, clinicID *uuid.UUID, now time.Time) (domain.Result, error) {
	switch name {
	case GeneratorCallback:
		return s.RunCallbackGenerator(ctx, clinicID, now)
	case GeneratorReviewRequest:
		return s.RunReviewRequestGenerator(ctx, clinicID, now)
	case GeneratorTreatmentFollowup:
		return s.RunTreatmentFollowupGenerator(ctx, clinicID, now)
	case GeneratorRecall:
		return s.RunRecallGenerator(ctx, clinicID, now)
	default:
		return domain.Result{}, apperr.Validation(fmt.Sprintf("unknown generator %q", name))
	}
}

// RunCallbackGenerator creates a high-priority callback task for every missed
// call of the last 24 hours whose caller is a known patient, then marks the
// call processed.
func (s *Service) RunCallbackGenerator(ctx context.Context, clinicID *uuid.UUID, now time.Time) (domain.Result, error) {
	return s.forEachClinic(ctx, GeneratorCallback, clinicID, func(ctx context.Context, clinic clinicdata.Clinic, log *logger.Logger) (domain.Result, error) {
		loc := clinicLocation(clinic)
		rule := domain.Rule[clinicdata.CallEvent]{
			Name: GeneratorCallback,
			Scan: func(ctx context.Context, w domain.Window) ([]clinicdata.CallEvent, error) {
				return s.records.ListMissedCalls(ctx, clinic.ID, w.From, w.To)
			},
			Key: CallbackKey,
			Build: func(ctx context.Context, call clinicdata.CallEvent, key string) (domain.Record, error) {
				patient, err := s.records.FindPatientByPhone(ctx, clinic.ID, phone.MatchVariants(call.CallerPhone, s.region))
				if err != nil {
					return nil, err
				}
				if patient == nil {
					return nil, domain.ErrSkip
				}
				sourceID := call.ID
				return &domain.Task{
					ID:          uuid.New(),
					ClinicID:    clinic.ID,
					PatientID:   patient.ID,
					TaskType:    domain.TaskTypeCallback,
					Title:       fmt.Sprintf("Callback - Missed call from %s", call.CallerPhone),
					Description: fmt.Sprintf("Missed call at %s. Duration: %ds", call.Timestamp.In(loc).Format("15:04"), call.DurationSeconds),
					Priority:    domain.PriorityHigh,
					Status:      domain.TaskStatusPending,
					SourceType:  callbackSourceType,
					SourceID:    &sourceID,
					Key:         key,
					CreatedAt:   now.UTC(),
				}, nil
			},
			Complete: func(ctx context.Context, call clinicdata.CallEvent) error {
				marked, err := s.records.MarkCallProcessed(ctx, call.ID)
				if err != nil {
					return err
				}
				if marked {
					s.recordAudit(ctx, audit.Entry{
						ClinicID:   clinic.ID,
						Action:     audit.ActionUpdate,
						TargetType: auditTargetCallEvent,
						TargetID:   call.ID,
						TargetRepr: "Call " + call.CallSID,
						Changes:    map[string]any{"is_processed": true},
					})
				}
				return nil
			},
		}
		return domain.Run(ctx, s.runLedger(), rule, domain.Trailing(now, callbackLookback), log)
	})
}

// RunReviewRequestGenerator schedules a review request for appointments
// completed about 24 hours ago when the patient consented to sms or email.
func (s *Service) RunReviewRequestGenerator(ctx context.Context, clinicID *uuid.UUID, now time.Time) (domain.Result, error) {
	return s.forEachClinic(ctx, GeneratorReviewRequest, clinicID, func(ctx context.Context, clinic clinicdata.Clinic, log *logger.Logger) (domain.Result, error) {
		rule := domain.Rule[clinicdata.AppointmentWithPatient]{
			Name: GeneratorReviewRequest,
			Scan: func(ctx context.Context, w domain.Window) ([]clinicdata.AppointmentWithPatient, error) {
				return s.records.ListCompletedAppointments(ctx, clinic.ID, w.From, w.To)
			},
			Key: ReviewKey,
			Build: func(_ context.Context, item clinicdata.AppointmentWithPatient, key string) (domain.Record, error) {
				channel, ok := reviewChannel(item.Patient)
				if !ok {
					return nil, domain.ErrSkip
				}
				return &domain.ReviewRequest{
					ID:            uuid.New(),
					ClinicID:      clinic.ID,
					PatientID:     item.Patient.ID,
					AppointmentID: item.Appointment.ID,
					Channel:       channel,
					Status:        domain.ReviewRequestStatusPending,
					ScheduledAt:   now.UTC(),
					Key:           key,
					CreatedAt:     now.UTC(),
				}, nil
			},
		}
		return domain.Run(ctx, s.runLedger(), rule, domain.Around(now.Add(-reviewDelay), reviewHalfWidth), log)
	})
}

// RunTreatmentFollowupGenerator creates a follow-up task for treatment plans
// sent about seven days ago that are still unanswered.
func (s *Service) RunTreatmentFollowupGenerator(ctx context.Context, clinicID *uuid.UUID, now time.Time) (domain.Result, error) {
	return s.forEachClinic(ctx, GeneratorTreatmentFollowup, clinicID, func(ctx context.Context, clinic clinicdata.Clinic, log *logger.Logger) (domain.Result, error) {
		loc := clinicLocation(clinic)
		rule := domain.Rule[clinicdata.TreatmentPlanWithPatient]{
			Name: GeneratorTreatmentFollowup,
			Scan: func(ctx context.Context, w domain.Window) ([]clinicdata.TreatmentPlanWithPatient, error) {
				return s.records.ListSentTreatmentPlans(ctx, clinic.ID, w.From, w.To)
			},
			Key: TreatmentFollowupKey,
			Build: func(_ context.Context, item clinicdata.TreatmentPlanWithPatient, key string) (domain.Record, error) {
				if item.Plan.SentAt == nil {
					return nil, domain.ErrSkip
				}
				sourceID := item.Plan.ID
				return &domain.Task{
					ID:          uuid.New(),
					ClinicID:    clinic.ID,
					PatientID:   item.Patient.ID,
					TaskType:    domain.TaskTypeTreatmentFollowup,
					Title:       fmt.Sprintf("Follow up on treatment plan: %s", item.Plan.Title),
					Description: fmt.Sprintf("Treatment plan sent %s with no response.", item.Plan.SentAt.In(loc).Format(descriptionDateLayout)),
					Priority:    domain.PriorityNormal,
					Status:      domain.TaskStatusPending,
					SourceType:  treatmentSourceType,
					SourceID:    &sourceID,
					Key:         key,
					CreatedAt:   now.UTC(),
				}, nil
			},
		}
		return domain.Run(ctx, s.runLedger(), rule, domain.Around(now.Add(-treatmentDelay), treatmentHalfWidth), log)
	})
}

// RunRecallGenerator creates at most one recall task per patient per calendar
// month for patients whose last appointment is more than 180 days ago.
func (s *Service) RunRecallGenerator(ctx context.Context, clinicID *uuid.UUID, now time.Time) (domain.Result, error) {
	month := now.UTC().Format(recallMonthKeyLayout)
	return s.forEachClinic(ctx, GeneratorRecall, clinicID, func(ctx context.Context, clinic clinicdata.Clinic, log *logger.Logger) (domain.Result, error) {
		rule := domain.Rule[clinicdata.Patient]{
			Name: GeneratorRecall,
			Scan: func(ctx context.Context, w domain.Window) ([]clinicdata.Patient, error) {
				return s.records.ListLapsedPatients(ctx, clinic.ID, w.To)
			},
			Key: func(p clinicdata.Patient) string {
				return RecallKey(p, month)
			},
			Build: func(_ context.Context, p clinicdata.Patient, key string) (domain.Record, error) {
				lastVisit := "unknown"
				if p.LastAppointmentDate != nil {
					lastVisit = p.LastAppointmentDate.Format(descriptionDateLayout)
				}
				sourceID := p.ID
				return &domain.Task{
					ID:          uuid.New(),
					ClinicID:    clinic.ID,
					PatientID:   p.ID,
					TaskType:    domain.TaskTypeRecall,
					Title:       fmt.Sprintf("Recall: %s", p.FullName()),
					Description: fmt.Sprintf("Last visit: %s. Consider reaching out.", lastVisit),
					Priority:    domain.PriorityLow,
					Status:      domain.TaskStatusPending,
					SourceType:  recallSourceType,
					SourceID:    &sourceID,
					Key:         key,
					CreatedAt:   now.UTC(),
				}, nil
			},
		}
		return domain.Run(ctx, s.runLedger(), rule, domain.Before(now.Add(-recallAfter)), log)
	})
}

// CallbackKey is the idempotency key of a missed call.
func CallbackKey(call clinicdata.CallEvent) string {
	return "callback_call_" + call.CallSID
}

// ReviewKey is the idempotency key of a completed appointment. Appointments
// synced without an external id fall back to their own id so they never share
// a key.
func ReviewKey(item clinicdata.AppointmentWithPatient) string {
	if ext := strings.TrimSpace(item.Appointment.ExternalID); ext != "" {
		return "review_" + ext
	}
	return "review_" + item.Appointment.ID.String()
}

// TreatmentFollowupKey is the idempotency key of a sent treatment plan.
func TreatmentFollowupKey(item clinicdata.TreatmentPlanWithPatient) string {
	return "treatment_followup_" + item.Plan.ID.String()
}

// RecallKey is the idempotency key of a lapsed patient in month (YYYY-MM).
func RecallKey(p clinicdata.Patient, month string) string {
	return fmt.Sprintf("recall_%s_%s", p.ID, month)
}

func reviewChannel(p clinicdata.Patient) (string, bool) {
	switch {
	case p.SMSConsent:
		return domain.ChannelSMS, true
	case p.EmailConsent:
		return domain.ChannelEmail, true
	default:
		return "", false
	}
}

// auditedLedger writes a system create row for every record the ledger
// inserted. Keys that already existed write nothing.
type auditedLedger struct {
	domain.Ledger
	svc *Service
}

func (l auditedLedger) Insert(ctx context.Context, rec domain.Record) (bool, error) {
	inserted, err := l.Ledger.Insert(ctx, rec)
	if err != nil || !inserted {
		return inserted, err
	}
	l.svc.recordAudit(ctx, audit.Entry{
		ClinicID:   rec.ActionClinicID(),
		Action:     audit.ActionCreate,
		TargetType: string(rec.ActionKind()),
		TargetID:   rec.ActionID(),
		TargetRepr: fmt.Sprintf("%s %s", rec.ActionKind(), rec.IdempotencyKey()),
		Changes: map[string]any{
			"idempotency_key": rec.IdempotencyKey(),
			"patient_id":      rec.ActionPatientID().String(),
		},
	})
	return true, nil
}

func (s *Service) runLedger() domain.Ledger {
	if s.auditor == nil {
		return s.ledger
	}
	return auditedLedger{Ledger: s.ledger, svc: s}
}

// recordAudit logs failures instead of returning them; the write already
// committed and the idempotency key stops it from being redone.
func (s *Service) recordAudit(ctx context.Context, e audit.Entry) {
	if s.auditor == nil {
		return
	}
	e.Provenance = audit.ProvenanceFromContext(ctx)
	if _, err := s.auditor.RecordAudit(ctx, e); err != nil {
		s.log.Error("failed to record audit entry", "target_type", e.TargetType, "target_id", e.TargetID, "error", err)
	}
}

type clinicRun func(ctx context.Context, clinic clinicdata.Clinic, log *logger.Logger) (domain.Result, error)

// forEachClinic runs fn for the requested clinic, or every active clinic when
// clinicID is nil. A failed clinic does not stop the others; its error is
// returned joined with the rest.
func (s *Service) forEachClinic(ctx context.Context, name string, clinicID *uuid.UUID, fn clinicRun) (domain.Result, error) {
	clinics, err := s.clinicScope(ctx, clinicID)
	if err != nil {
		return domain.Result{}, err
	}

	log := s.log.WithContext(ctx).WithGenerator(name)

	var (
		total domain.Result
		errs  []error
	)
	for _, clinic := range clinics {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		result, err := fn(ctx, clinic, log)
		total.Add(result)
		log.GeneratorRun(clinic.ID.String(), result.Scanned, result.Created, result.Skipped, result.Failed)
		if err != nil {
			log.Error("generator run aborted", "clinic_id", clinic.ID, "error", err)
			errs = append(errs, fmt.Errorf("clinic %s: %w", clinic.ID, err))
			continue
		}

		if s.bus != nil {
			s.bus.Publish(ctx, events.ActionsGenerated{
				BaseEvent: events.NewBaseEvent(time.Time{}),
				Generator: name,
				ClinicID:  clinic.ID,
				Scanned:   result.Scanned,
				Created:   result.Created,
				Skipped:   result.Skipped,
				Failed:    result.Failed,
			})
		}
	}
	return total, errors.Join(errs...)
}

func (s *Service) clinicScope(ctx context.Context, clinicID *uuid.UUID) ([]clinicdata.Clinic, error) {
	if clinicID != nil {
		clinic, err := s.records.GetClinic(ctx, *clinicID)
		if err != nil {
			return nil, err
		}
		if !clinic.IsActive {
			s.log.Info("skipping inactive clinic", "clinic_id", clinic.ID)
			return nil, nil
		}
		return []clinicdata.Clinic{*clinic}, nil
	}

	clinics, err := s.records.ListActiveClinics(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(clinics, func(i, j int) bool { return clinics[i].Name < clinics[j].Name })
	return clinics, nil
}

func clinicLocation(c clinicdata.Clinic) *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
