package clinicdata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinic_engine/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	patientColumns = `p.id, p.clinic_id, p.external_id, p.first_name, p.last_name, p.email, p.phone,
		p.sms_consent, p.email_consent, p.call_recording_consent, p.first_paid_invoice_date, p.last_appointment_date`
	callColumns = `id, clinic_id, call_sid, caller_phone, called_phone, duration_seconds, "timestamp",
		campaign_id, campaign_name, tracking_number, resulted_in_appointment, is_processed`
	touchColumns = `id, clinic_id, session_id, client_id, email, utm_source, utm_medium, utm_campaign,
		utm_term, utm_content, gclid, fbclid, landing_page, referrer, "timestamp", source`
	invoiceColumns = `id, clinic_id, patient_id, external_id, invoice_number, status, total_amount_cents, paid_at`

	missedCallSeconds = int(MissedCallThreshold / time.Second)
)

// Repository reads synced clinic records from Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// New creates a new clinic data repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListActiveClinics returns every clinic the engine should process.
func (r *Repository) ListActiveClinics(ctx context.Context) ([]Clinic, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, timezone, is_active FROM clinics WHERE is_active = TRUE ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clinics: %w", err)
	}
	defer rows.Close()

	var clinics []Clinic
	for rows.Next() {
		var c Clinic
		if err := rows.Scan(&c.ID, &c.Name, &c.Timezone, &c.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan clinic: %w", err)
		}
		clinics = append(clinics, c)
	}
	return clinics, rows.Err()
}

// GetClinic retrieves a clinic by ID.
func (r *Repository) GetClinic(ctx context.Context, id uuid.UUID) (*Clinic, error) {
	var c Clinic
	err := r.pool.QueryRow(ctx, `SELECT id, name, timezone, is_active FROM clinics WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Timezone, &c.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("clinic not found")
		}
		return nil, fmt.Errorf("failed to get clinic: %w", err)
	}
	return &c, nil
}

// GetPatient retrieves a patient by ID.
func (r *Repository) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients p WHERE p.id = $1`, id)
	p, err := scanPatient(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("patient not found")
		}
		return nil, fmt.Errorf("failed to get patient: %w", err)
	}
	return &p, nil
}

// FindPatientByPhone returns the first patient in the clinic whose phone
// matches any of the given spellings, or nil when none does.
func (r *Repository) FindPatientByPhone(ctx context.Context, clinicID uuid.UUID, phones []string) (*Patient, error) {
	if len(phones) == 0 {
		return nil, nil
	}
	row := r.pool.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients p
		WHERE p.clinic_id = $1 AND p.phone = ANY($2)
		ORDER BY p.created_at ASC LIMIT 1`, clinicID, phones)
	p, err := scanPatient(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find patient by phone: %w", err)
	}
	return &p, nil
}

// ListLapsedPatients returns patients whose last appointment is before cutoff.
func (r *Repository) ListLapsedPatients(ctx context.Context, clinicID uuid.UUID, cutoff time.Time) ([]Patient, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+patientColumns+` FROM patients p
		WHERE p.clinic_id = $1 AND p.last_appointment_date < $2::date
		ORDER BY p.last_appointment_date ASC`, clinicID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list lapsed patients: %w", err)
	}
	defer rows.Close()

	var patients []Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan patient: %w", err)
		}
		patients = append(patients, p)
	}
	return patients, rows.Err()
}

// ListUnattributedPatients returns one page of patients with a first paid
// invoice date but no attribution row yet. A nil after starts from the oldest.
func (r *Repository) ListUnattributedPatients(ctx context.Context, clinicID uuid.UUID, after *PatientCursor, limit int) ([]Patient, error) {
	if limit < 1 {
		limit = 100
	}
	var (
		afterDate *time.Time
		afterID   *uuid.UUID
	)
	if after != nil {
		afterDate, afterID = &after.FirstPaidInvoiceDate, &after.ID
	}
	rows, err := r.pool.Query(ctx, `SELECT `+patientColumns+` FROM patients p
		LEFT JOIN attributions a ON a.patient_id = p.id
		WHERE p.clinic_id = $1 AND p.first_paid_invoice_date IS NOT NULL AND a.id IS NULL
			AND ($2::date IS NULL OR (p.first_paid_invoice_date, p.id) > ($2::date, $3::uuid))
		ORDER BY p.first_paid_invoice_date ASC, p.id ASC
		LIMIT $4`, clinicID, afterDate, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unattributed patients: %w", err)
	}
	defer rows.Close()

	var patients []Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan patient: %w", err)
		}
		patients = append(patients, p)
	}
	return patients, rows.Err()
}

// GetInvoice retrieves an invoice by ID.
func (r *Repository) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("invoice not found")
		}
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return &inv, nil
}

// FirstPaidInvoice returns the patient's earliest paid invoice, or nil.
func (r *Repository) FirstPaidInvoice(ctx context.Context, patientID uuid.UUID) (*Invoice, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices
		WHERE patient_id = $1 AND status = 'paid' AND paid_at IS NOT NULL
		ORDER BY paid_at ASC LIMIT 1`, patientID)
	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get first paid invoice: %w", err)
	}
	return &inv, nil
}

// ListCallsByPhone returns the clinic's calls from any of the given numbers
// within [from, to], most recent first.
func (r *Repository) ListCallsByPhone(ctx context.Context, clinicID uuid.UUID, phones []string, from, to time.Time) ([]CallEvent, error) {
	if len(phones) == 0 {
		return nil, nil
	}
	return r.queryCalls(ctx, `SELECT `+callColumns+` FROM call_events
		WHERE clinic_id = $1 AND caller_phone = ANY($2) AND "timestamp" >= $3 AND "timestamp" <= $4
		ORDER BY "timestamp" DESC`, clinicID, phones, from, to)
}

// ListMissedCalls returns unprocessed missed calls within [from, to], oldest first.
func (r *Repository) ListMissedCalls(ctx context.Context, clinicID uuid.UUID, from, to time.Time) ([]CallEvent, error) {
	return r.queryCalls(ctx, `SELECT `+callColumns+` FROM call_events
		WHERE clinic_id = $1 AND "timestamp" >= $2 AND "timestamp" <= $3
			AND duration_seconds < $4 AND resulted_in_appointment = FALSE AND is_processed = FALSE
		ORDER BY "timestamp" ASC`, clinicID, from, to, missedCallSeconds)
}

// GetCallEvent retrieves a call event by ID.
func (r *Repository) GetCallEvent(ctx context.Context, id uuid.UUID) (*CallEvent, error) {
	calls, err := r.queryCalls(ctx, `SELECT `+callColumns+` FROM call_events WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(calls) == 0 {
		return nil, apperr.NotFound("call event not found")
	}
	return &calls[0], nil
}

// MarkCallProcessed flags a call so later scans skip it. It reports false when
// the call was already flagged.
func (r *Repository) MarkCallProcessed(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE call_events SET is_processed = TRUE WHERE id = $1 AND is_processed = FALSE`, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark call processed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) queryCalls(ctx context.Context, query string, args ...any) ([]CallEvent, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query call events: %w", err)
	}
	defer rows.Close()

	var calls []CallEvent
	for rows.Next() {
		var c CallEvent
		if err := rows.Scan(
			&c.ID, &c.ClinicID, &c.CallSID, &c.CallerPhone, &c.CalledPhone, &c.DurationSeconds, &c.Timestamp,
			&c.CampaignID, &c.CampaignName, &c.TrackingNumber, &c.ResultedInAppointment, &c.IsProcessed,
		); err != nil {
			return nil, fmt.Errorf("failed to scan call event: %w", err)
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// ListTouchesByEmail returns the clinic's marketing touches for email within
// [from, to], most recent first. Email comparison is case-insensitive.
func (r *Repository) ListTouchesByEmail(ctx context.Context, clinicID uuid.UUID, email string, from, to time.Time) ([]MarketingTouch, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, nil
	}
	return r.queryTouches(ctx, `SELECT `+touchColumns+` FROM marketing_touches
		WHERE clinic_id = $1 AND lower(email) = lower($2) AND "timestamp" >= $3 AND "timestamp" <= $4
		ORDER BY "timestamp" DESC`, clinicID, email, from, to)
}

// GetMarketingTouch retrieves a marketing touch by ID.
func (r *Repository) GetMarketingTouch(ctx context.Context, id uuid.UUID) (*MarketingTouch, error) {
	touches, err := r.queryTouches(ctx, `SELECT `+touchColumns+` FROM marketing_touches WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(touches) == 0 {
		return nil, apperr.NotFound("marketing touch not found")
	}
	return &touches[0], nil
}

func (r *Repository) queryTouches(ctx context.Context, query string, args ...any) ([]MarketingTouch, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query marketing touches: %w", err)
	}
	defer rows.Close()

	var touches []MarketingTouch
	for rows.Next() {
		var m MarketingTouch
		if err := rows.Scan(
			&m.ID, &m.ClinicID, &m.SessionID, &m.ClientID, &m.Email, &m.UTMSource, &m.UTMMedium, &m.UTMCampaign,
			&m.UTMTerm, &m.UTMContent, &m.GCLID, &m.FBCLID, &m.LandingPage, &m.Referrer, &m.Timestamp, &m.Source,
		); err != nil {
			return nil, fmt.Errorf("failed to scan marketing touch: %w", err)
		}
		touches = append(touches, m)
	}
	return touches, rows.Err()
}

// ListCompletedAppointments returns completed appointments scheduled within
// [from, to] together with their patients.
func (r *Repository) ListCompletedAppointments(ctx context.Context, clinicID uuid.UUID, from, to time.Time) ([]AppointmentWithPatient, error) {
	rows, err := r.pool.Query(ctx, `SELECT a.id, a.clinic_id, a.patient_id, a.external_id, a.scheduled_at, a.status, `+patientColumns+`
		FROM appointments a
		JOIN patients p ON p.id = a.patient_id
		WHERE a.clinic_id = $1 AND a.status = 'completed' AND a.scheduled_at >= $2 AND a.scheduled_at <= $3
		ORDER BY a.scheduled_at ASC`, clinicID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed appointments: %w", err)
	}
	defer rows.Close()

	var out []AppointmentWithPatient
	for rows.Next() {
		var item AppointmentWithPatient
		a := &item.Appointment
		p := &item.Patient
		if err := rows.Scan(
			&a.ID, &a.ClinicID, &a.PatientID, &a.ExternalID, &a.ScheduledAt, &a.Status,
			&p.ID, &p.ClinicID, &p.ExternalID, &p.FirstName, &p.LastName, &p.Email, &p.Phone,
			&p.SMSConsent, &p.EmailConsent, &p.CallRecordingConsent, &p.FirstPaidInvoiceDate, &p.LastAppointmentDate,
		); err != nil {
			return nil, fmt.Errorf("failed to scan appointment: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// ListSentTreatmentPlans returns plans still in the sent state whose sent_at
// falls within [from, to], together with their patients.
func (r *Repository) ListSentTreatmentPlans(ctx context.Context, clinicID uuid.UUID, from, to time.Time) ([]TreatmentPlanWithPatient, error) {
	rows, err := r.pool.Query(ctx, `SELECT t.id, t.clinic_id, t.patient_id, t.title, t.status, t.sent_at, `+patientColumns+`
		FROM treatment_plans t
		JOIN patients p ON p.id = t.patient_id
		WHERE t.clinic_id = $1 AND t.status = 'sent' AND t.sent_at >= $2 AND t.sent_at <= $3
		ORDER BY t.sent_at ASC`, clinicID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list treatment plans: %w", err)
	}
	defer rows.Close()

	var out []TreatmentPlanWithPatient
	for rows.Next() {
		var item TreatmentPlanWithPatient
		t := &item.Plan
		p := &item.Patient
		if err := rows.Scan(
			&t.ID, &t.ClinicID, &t.PatientID, &t.Title, &t.Status, &t.SentAt,
			&p.ID, &p.ClinicID, &p.ExternalID, &p.FirstName, &p.LastName, &p.Email, &p.Phone,
			&p.SMSConsent, &p.EmailConsent, &p.CallRecordingConsent, &p.FirstPaidInvoiceDate, &p.LastAppointmentDate,
		); err != nil {
			return nil, fmt.Errorf("failed to scan treatment plan: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func scanPatient(row pgx.Row) (Patient, error) {
	var p Patient
	err := row.Scan(
		&p.ID, &p.ClinicID, &p.ExternalID, &p.FirstName, &p.LastName, &p.Email, &p.Phone,
		&p.SMSConsent, &p.EmailConsent, &p.CallRecordingConsent, &p.FirstPaidInvoiceDate, &p.LastAppointmentDate,
	)
	return p, err
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	err := row.Scan(
		&inv.ID, &inv.ClinicID, &inv.PatientID, &inv.ExternalID, &inv.InvoiceNumber, &inv.Status,
		&inv.TotalAmountCents, &inv.PaidAt,
	)
	return inv, err
}
