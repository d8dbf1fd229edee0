// Package clinicdata is the read side of the records synchronized from the
// clinic-management system, call tracking and web analytics. The engine
// queries these records by clinic, identity and time window; the only write it
// performs is marking a call event as processed.
package clinicdata

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// MissedCallThreshold is the duration under which an unconverted call counts as missed.
const MissedCallThreshold = 30 * time.Second

// Invoice statuses
const (
	InvoiceStatusDraft         = "draft"
	InvoiceStatusIssued        = "issued"
	InvoiceStatusPaid          = "paid"
	InvoiceStatusPartiallyPaid = "partially_paid"
	InvoiceStatusVoided        = "voided"
)

// Appointment and treatment plan statuses the engine reacts to.
const (
	AppointmentStatusCompleted = "completed"
	TreatmentPlanStatusSent    = "sent"
)

// paidMediums are the UTM medium values that mark purchased traffic.
var paidMediums = map[string]struct{}{
	"cpc":  {},
	"ppc":  {},
	"paid": {},
}

// IsPaidMedium reports whether a UTM medium indicates purchased traffic. The
// match is exact: "CPC" is not a paid medium.
func IsPaidMedium(medium string) bool {
	_, ok := paidMediums[medium]
	return ok
}

// PatientCursor is a keyset position in the list of patients awaiting
// attribution, ordered by first paid invoice date and then id.
type PatientCursor struct {
	FirstPaidInvoiceDate time.Time
	ID                   uuid.UUID
}

// After reports whether p sorts strictly after the cursor.
func (c PatientCursor) After(p Patient) bool {
	if p.FirstPaidInvoiceDate == nil {
		return false
	}
	if !p.FirstPaidInvoiceDate.Equal(c.FirstPaidInvoiceDate) {
		return p.FirstPaidInvoiceDate.After(c.FirstPaidInvoiceDate)
	}
	return p.ID.String() > c.ID.String()
}

// CursorOf returns the cursor positioned at p. p must have a first paid
// invoice date.
func CursorOf(p Patient) PatientCursor {
	return PatientCursor{FirstPaidInvoiceDate: *p.FirstPaidInvoiceDate, ID: p.ID}
}

// Clinic is a practice using the engine.
type Clinic struct {
	ID       uuid.UUID `db:"id"`
	Name     string    `db:"name"`
	Timezone string    `db:"timezone"`
	IsActive bool      `db:"is_active"`
}

// Patient is a synced patient record.
type Patient struct {
	ID                   uuid.UUID  `db:"id"`
	ClinicID             uuid.UUID  `db:"clinic_id"`
	ExternalID           string     `db:"external_id"`
	FirstName            string     `db:"first_name"`
	LastName             string     `db:"last_name"`
	Email                string     `db:"email"`
	Phone                string     `db:"phone"`
	SMSConsent           bool       `db:"sms_consent"`
	EmailConsent         bool       `db:"email_consent"`
	CallRecordingConsent bool       `db:"call_recording_consent"`
	FirstPaidInvoiceDate *time.Time `db:"first_paid_invoice_date"`
	LastAppointmentDate  *time.Time `db:"last_appointment_date"`
}

// FullName joins first and last name.
func (p Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Invoice is a synced invoice.
type Invoice struct {
	ID               uuid.UUID  `db:"id"`
	ClinicID         uuid.UUID  `db:"clinic_id"`
	PatientID        uuid.UUID  `db:"patient_id"`
	ExternalID       string     `db:"external_id"`
	InvoiceNumber    string     `db:"invoice_number"`
	Status           string     `db:"status"`
	TotalAmountCents int64      `db:"total_amount_cents"`
	PaidAt           *time.Time `db:"paid_at"`
}

// IsPaid reports whether the invoice is fully paid.
func (i Invoice) IsPaid() bool {
	return i.Status == InvoiceStatusPaid
}

// CallEvent is an inbound call captured by call tracking.
type CallEvent struct {
	ID                    uuid.UUID `db:"id"`
	ClinicID              uuid.UUID `db:"clinic_id"`
	CallSID               string    `db:"call_sid"`
	CallerPhone           string    `db:"caller_phone"`
	CalledPhone           string    `db:"called_phone"`
	DurationSeconds       int       `db:"duration_seconds"`
	Timestamp             time.Time `db:"timestamp"`
	CampaignID            string    `db:"campaign_id"`
	CampaignName          string    `db:"campaign_name"`
	TrackingNumber        string    `db:"tracking_number"`
	ResultedInAppointment bool      `db:"resulted_in_appointment"`
	IsProcessed           bool      `db:"is_processed"`
}

// IsMissed reports whether the call was too short and did not convert.
func (c CallEvent) IsMissed() bool {
	return time.Duration(c.DurationSeconds)*time.Second < MissedCallThreshold && !c.ResultedInAppointment
}

// HasCampaign reports whether the call came in on a campaign tracking number.
func (c CallEvent) HasCampaign() bool {
	return strings.TrimSpace(c.CampaignID) != ""
}

// MarketingTouch is one tracked web or form interaction.
type MarketingTouch struct {
	ID          uuid.UUID `db:"id"`
	ClinicID    uuid.UUID `db:"clinic_id"`
	SessionID   string    `db:"session_id"`
	ClientID    string    `db:"client_id"`
	Email       string    `db:"email"`
	UTMSource   string    `db:"utm_source"`
	UTMMedium   string    `db:"utm_medium"`
	UTMCampaign string    `db:"utm_campaign"`
	UTMTerm     string    `db:"utm_term"`
	UTMContent  string    `db:"utm_content"`
	GCLID       string    `db:"gclid"`
	FBCLID      string    `db:"fbclid"`
	LandingPage string    `db:"landing_page"`
	Referrer    string    `db:"referrer"`
	Timestamp   time.Time `db:"timestamp"`
	Source      string    `db:"source"`
}

// IsPaid reports whether the touch came from purchased traffic.
func (m MarketingTouch) IsPaid() bool {
	return IsPaidMedium(m.UTMMedium)
}

// Campaign is a marketing campaign synced from an ad platform.
type Campaign struct {
	ID            uuid.UUID `db:"id"`
	ClinicID      uuid.UUID `db:"clinic_id"`
	ExternalID    string    `db:"external_id"`
	Name          string    `db:"name"`
	Source        string    `db:"source"`
	TrackingPhone string    `db:"tracking_phone"`
	IsActive      bool      `db:"is_active"`
}

// IsPaid reports whether traffic from this campaign is purchased. Ad-platform
// campaigns always are; manual campaigns only when they own a tracking number.
func (c Campaign) IsPaid() bool {
	switch c.Source {
	case "google_ads", "meta_ads":
		return true
	default:
		return strings.TrimSpace(c.TrackingPhone) != ""
	}
}

// Appointment is a synced appointment.
type Appointment struct {
	ID          uuid.UUID `db:"id"`
	ClinicID    uuid.UUID `db:"clinic_id"`
	PatientID   uuid.UUID `db:"patient_id"`
	ExternalID  string    `db:"external_id"`
	ScheduledAt time.Time `db:"scheduled_at"`
	Status      string    `db:"status"`
}

// TreatmentPlan is a plan sent to a patient for acceptance.
type TreatmentPlan struct {
	ID        uuid.UUID  `db:"id"`
	ClinicID  uuid.UUID  `db:"clinic_id"`
	PatientID uuid.UUID  `db:"patient_id"`
	Title     string     `db:"title"`
	Status    string     `db:"status"`
	SentAt    *time.Time `db:"sent_at"`
}

// AppointmentWithPatient pairs an appointment with its patient.
type AppointmentWithPatient struct {
	Appointment Appointment
	Patient     Patient
}

// TreatmentPlanWithPatient pairs a treatment plan with its patient.
type TreatmentPlanWithPatient struct {
	Plan    TreatmentPlan
	Patient Patient
}
