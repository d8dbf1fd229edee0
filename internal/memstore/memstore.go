// Package memstore is an in-memory stand-in for the Postgres repositories. It
// enforces the same uniqueness rules (one attribution per patient, one record
// per idempotency key, append-only audit rows) so service tests exercise the
// real invariants without a database.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	actions "clinic_engine/internal/actions/domain"
	attribution "clinic_engine/internal/attribution/domain"
	"clinic_engine/internal/audit"
	"clinic_engine/internal/clinicdata"
	"clinic_engine/platform/apperr"

	"github.com/google/uuid"
)

// Store holds every table the engine touches.
type Store struct {
	mu    sync.Mutex
	rowMu sync.Mutex

	clinics      []clinicdata.Clinic
	patients     []clinicdata.Patient
	invoices     []clinicdata.Invoice
	calls        []clinicdata.CallEvent
	touches      []clinicdata.MarketingTouch
	appointments []clinicdata.Appointment
	plans        []clinicdata.TreatmentPlan

	attributions map[uuid.UUID]attribution.Attribution // by patient
	keys         map[string]actions.Kind
	tasks        []actions.Task
	reviews      []actions.ReviewRequest
	auditLogs    []audit.Log
}

// New returns an empty store.
func New() *Store {
	return &Store{
		attributions: make(map[uuid.UUID]attribution.Attribution),
		keys:         make(map[string]actions.Kind),
	}
}

// =============================================================================
// Seeding
// =============================================================================

func (s *Store) AddClinic(c clinicdata.Clinic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clinics = append(s.clinics, c)
}

func (s *Store) AddPatient(p clinicdata.Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients = append(s.patients, p)
}

func (s *Store) AddInvoice(i clinicdata.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices = append(s.invoices, i)
}

func (s *Store) AddCall(c clinicdata.CallEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
}

func (s *Store) AddTouch(t clinicdata.MarketingTouch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touches = append(s.touches, t)
}

func (s *Store) AddAppointment(a clinicdata.Appointment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appointments = append(s.appointments, a)
}

func (s *Store) AddTreatmentPlan(p clinicdata.TreatmentPlan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans = append(s.plans, p)
}

// =============================================================================
// Clinic data
// =============================================================================

func (s *Store) ListActiveClinics(_ context.Context) ([]clinicdata.Clinic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []clinicdata.Clinic
	for _, c := range s.clinics {
		if c.IsActive {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) GetClinic(_ context.Context, id uuid.UUID) (*clinicdata.Clinic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clinics {
		if c.ID == id {
			c := c
			return &c, nil
		}
	}
	return nil, apperr.NotFound("clinic not found")
}

func (s *Store) GetPatient(_ context.Context, id uuid.UUID) (*clinicdata.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.patients {
		if p.ID == id {
			p := p
			return &p, nil
		}
	}
	return nil, apperr.NotFound("patient not found")
}

func (s *Store) FindPatientByPhone(_ context.Context, clinicID uuid.UUID, phones []string) (*clinicdata.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.patients {
		if p.ClinicID == clinicID && p.Phone != "" && contains(phones, p.Phone) {
			p := p
			return &p, nil
		}
	}
	return nil, nil
}

func (s *Store) ListLapsedPatients(_ context.Context, clinicID uuid.UUID, cutoff time.Time) ([]clinicdata.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoffDay := day(cutoff)
	var out []clinicdata.Patient
	for _, p := range s.patients {
		if p.ClinicID == clinicID && p.LastAppointmentDate != nil && day(*p.LastAppointmentDate).Before(cutoffDay) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) ListUnattributedPatients(_ context.Context, clinicID uuid.UUID, after *clinicdata.PatientCursor, limit int) ([]clinicdata.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []clinicdata.Patient
	for _, p := range s.patients {
		if p.ClinicID != clinicID || p.FirstPaidInvoiceDate == nil {
			continue
		}
		if _, ok := s.attributions[p.ID]; ok {
			continue
		}
		if after != nil && !after.After(p) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return clinicdata.CursorOf(out[j]).After(out[i])
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetInvoice(_ context.Context, id uuid.UUID) (*clinicdata.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.invoices {
		if inv.ID == id {
			inv := inv
			return &inv, nil
		}
	}
	return nil, apperr.NotFound("invoice not found")
}

func (s *Store) FirstPaidInvoice(_ context.Context, patientID uuid.UUID) (*clinicdata.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first *clinicdata.Invoice
	for _, inv := range s.invoices {
		if inv.PatientID != patientID || !inv.IsPaid() || inv.PaidAt == nil {
			continue
		}
		if first == nil || inv.PaidAt.Before(*first.PaidAt) {
			inv := inv
			first = &inv
		}
	}
	return first, nil
}

func (s *Store) ListCallsByPhone(_ context.Context, clinicID uuid.UUID, phones []string, from, to time.Time) ([]clinicdata.CallEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []clinicdata.CallEvent
	for _, c := range s.calls {
		if c.ClinicID == clinicID && contains(phones, c.CallerPhone) && within(c.Timestamp, from, to) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (s *Store) ListMissedCalls(_ context.Context, clinicID uuid.UUID, from, to time.Time) ([]clinicdata.CallEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []clinicdata.CallEvent
	for _, c := range s.calls {
		if c.ClinicID == clinicID && c.IsMissed() && !c.IsProcessed && within(c.Timestamp, from, to) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) GetCallEvent(_ context.Context, id uuid.UUID) (*clinicdata.CallEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c.ID == id {
			c := c
			return &c, nil
		}
	}
	return nil, apperr.NotFound("call event not found")
}

func (s *Store) MarkCallProcessed(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.calls {
		if s.calls[i].ID == id && !s.calls[i].IsProcessed {
			s.calls[i].IsProcessed = true
			return true, nil
		}
	}
	return false, nil
}

// Call returns the current state of a call event.
func (s *Store) Call(id uuid.UUID) clinicdata.CallEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c.ID == id {
			return c
		}
	}
	return clinicdata.CallEvent{}
}

func (s *Store) ListTouchesByEmail(_ context.Context, clinicID uuid.UUID, email string, from, to time.Time) ([]clinicdata.MarketingTouch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, nil
	}
	var out []clinicdata.MarketingTouch
	for _, t := range s.touches {
		if t.ClinicID == clinicID && strings.EqualFold(t.Email, email) && within(t.Timestamp, from, to) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (s *Store) GetMarketingTouch(_ context.Context, id uuid.UUID) (*clinicdata.MarketingTouch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.touches {
		if t.ID == id {
			t := t
			return &t, nil
		}
	}
	return nil, apperr.NotFound("marketing touch not found")
}

func (s *Store) ListCompletedAppointments(_ context.Context, clinicID uuid.UUID, from, to time.Time) ([]clinicdata.AppointmentWithPatient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []clinicdata.AppointmentWithPatient
	for _, a := range s.appointments {
		if a.ClinicID != clinicID || a.Status != clinicdata.AppointmentStatusCompleted || !within(a.ScheduledAt, from, to) {
			continue
		}
		if p, ok := s.patientLocked(a.PatientID); ok {
			out = append(out, clinicdata.AppointmentWithPatient{Appointment: a, Patient: p})
		}
	}
	return out, nil
}

func (s *Store) ListSentTreatmentPlans(_ context.Context, clinicID uuid.UUID, from, to time.Time) ([]clinicdata.TreatmentPlanWithPatient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []clinicdata.TreatmentPlanWithPatient
	for _, t := range s.plans {
		if t.ClinicID != clinicID || t.Status != clinicdata.TreatmentPlanStatusSent || t.SentAt == nil || !within(*t.SentAt, from, to) {
			continue
		}
		if p, ok := s.patientLocked(t.PatientID); ok {
			out = append(out, clinicdata.TreatmentPlanWithPatient{Plan: t, Patient: p})
		}
	}
	return out, nil
}

func (s *Store) patientLocked(id uuid.UUID) (clinicdata.Patient, bool) {
	for _, p := range s.patients {
		if p.ID == id {
			return p, true
		}
	}
	return clinicdata.Patient{}, false
}

// =============================================================================
// Attributions
// =============================================================================

func (s *Store) GetByID(_ context.Context, id uuid.UUID) (*attribution.Attribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.attributions {
		if a.ID == id {
			return cloneAttribution(a), nil
		}
	}
	return nil, apperr.NotFound("attribution not found")
}

func (s *Store) GetByPatient(_ context.Context, patientID uuid.UUID) (*attribution.Attribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attributions[patientID]
	if !ok {
		return nil, apperr.NotFound("attribution not found")
	}
	return cloneAttribution(a), nil
}

// Upsert mirrors the Postgres upsert: manual rows are kept, override history
// is carried forward.
func (s *Store) Upsert(_ context.Context, a *attribution.Attribution) (*attribution.Attribution, attribution.UpsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	next := *cloneAttribution(*a)
	outcome := attribution.UpsertCreated

	existing, ok := s.attributions[a.PatientID]
	if ok {
		if existing.Status == attribution.StatusManual {
			return cloneAttribution(existing), attribution.UpsertKept, nil
		}
		outcome = attribution.UpsertUpdated
		next.ID = existing.ID
		next.CreatedAt = existing.CreatedAt
		next.OverriddenBy = existing.OverriddenBy
		next.OverrideReason = existing.OverrideReason
		next.OverriddenAt = existing.OverriddenAt
		if len(existing.Evidence.PreviousAttributions) > 0 {
			next.Evidence.PreviousAttributions = append([]attribution.PreviousAttribution(nil), existing.Evidence.PreviousAttributions...)
		}
	} else {
		if next.ID == uuid.Nil {
			next.ID = uuid.New()
		}
		next.CreatedAt = now
	}
	next.UpdatedAt = now

	s.attributions[a.PatientID] = next
	return cloneAttribution(next), outcome, nil
}

// UpdateLocked serializes overrides the way SELECT ... FOR UPDATE does. The
// store lock is released while mutate runs so it may read other records.
func (s *Store) UpdateLocked(ctx context.Context, id uuid.UUID, mutate func(*attribution.Attribution) error) (*attribution.Attribution, error) {
	s.rowMu.Lock()
	defer s.rowMu.Unlock()

	working, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(working); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	working.UpdatedAt = time.Now().UTC()
	s.attributions[working.PatientID] = *working
	return cloneAttribution(*working), nil
}

// AttributionCount returns the number of stored attributions.
func (s *Store) AttributionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attributions)
}

func cloneAttribution(a attribution.Attribution) *attribution.Attribution {
	c := a
	if a.Evidence.PreviousAttributions != nil {
		c.Evidence.PreviousAttributions = append([]attribution.PreviousAttribution(nil), a.Evidence.PreviousAttributions...)
	}
	return &c
}

// =============================================================================
// Idempotency ledger
// =============================================================================

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok, nil
}

func (s *Store) Insert(_ context.Context, rec actions.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[rec.IdempotencyKey()]; ok {
		return false, nil
	}
	switch v := rec.(type) {
	case *actions.Task:
		s.tasks = append(s.tasks, *v)
	case *actions.ReviewRequest:
		s.reviews = append(s.reviews, *v)
	default:
		return false, apperr.Validation("unsupported action record")
	}
	s.keys[rec.IdempotencyKey()] = rec.ActionKind()
	return true, nil
}

// Tasks returns a copy of the stored tasks.
func (s *Store) Tasks() []actions.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]actions.Task(nil), s.tasks...)
}

// ReviewRequests returns a copy of the stored review requests.
func (s *Store) ReviewRequests() []actions.ReviewRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]actions.ReviewRequest(nil), s.reviews...)
}

// =============================================================================
// Audit log
// =============================================================================

func (s *Store) Append(_ context.Context, log audit.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, log)
	return nil
}

func (s *Store) Update(_ context.Context, _ audit.Log) error {
	return apperr.Forbidden("audit log entries are immutable")
}

func (s *Store) Delete(_ context.Context, _ uuid.UUID) error {
	return apperr.Forbidden("audit log entries are immutable")
}

// ListForTarget returns the audit trail of one record, newest first.
func (s *Store) ListForTarget(_ context.Context, clinicID uuid.UUID, targetType string, targetID uuid.UUID, limit int) ([]audit.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []audit.Log
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		l := s.auditLogs[i]
		if l.ClinicID != clinicID || l.TargetType != targetType || l.TargetID != targetID {
			continue
		}
		out = append(out, l)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// AuditLogs returns a copy of the stored audit rows.
func (s *Store) AuditLogs() []audit.Log {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Log(nil), s.auditLogs...)
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func within(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	return !t.After(to)
}

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
