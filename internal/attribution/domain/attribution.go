// Package domain decides which marketing source earned a patient's first
// paid invoice. The ranking itself is a pure function over candidate calls and
// marketing touches; persistence and override live in the repository and
// service packages.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the kind of signal an attribution credits.
type Type string

const (
	TypeCall           Type = "call"
	TypeMarketingTouch Type = "marketing_touch"
	TypeManual         Type = "manual"
	TypeUnknown        Type = "unknown"
)

// Status records how an attribution was decided.
type Status string

const (
	StatusAuto    Status = "auto"
	StatusManual  Status = "manual"
	StatusPending Status = "pending"
)

// SourceKind tags the variant held by a SourceRef.
type SourceKind string

const (
	SourceNone  SourceKind = "none"
	SourceCall  SourceKind = "call"
	SourceTouch SourceKind = "touch"
)

// SourceRef points at the record an attribution credits. The zero value is
// SourceNone.
type SourceRef struct {
	Kind SourceKind
	ID   uuid.UUID
}

// NoSource returns a reference to nothing.
func NoSource() SourceRef { return SourceRef{Kind: SourceNone} }

// CallSource references a call event.
func CallSource(id uuid.UUID) SourceRef { return SourceRef{Kind: SourceCall, ID: id} }

// TouchSource references a marketing touch.
func TouchSource(id uuid.UUID) SourceRef { return SourceRef{Kind: SourceTouch, ID: id} }

// IsNone reports whether the reference points at nothing.
func (s SourceRef) IsNone() bool {
	return s.Kind == "" || s.Kind == SourceNone
}

// String renders the reference as "kind:id", or "none".
func (s SourceRef) String() string {
	if s.IsNone() {
		return string(SourceNone)
	}
	return fmt.Sprintf("%s:%s", s.Kind, s.ID)
}

// Columns returns the (source_kind, source_id) pair stored in the database.
func (s SourceRef) Columns() (string, *uuid.UUID) {
	if s.IsNone() {
		return string(SourceNone), nil
	}
	id := s.ID
	return string(s.Kind), &id
}

// ParseSourceRef rebuilds a reference from its stored columns.
func ParseSourceRef(kind string, id *uuid.UUID) (SourceRef, error) {
	switch SourceKind(kind) {
	case "", SourceNone:
		return NoSource(), nil
	case SourceCall, SourceTouch:
		if id == nil {
			return SourceRef{}, fmt.Errorf("source kind %q requires an id", kind)
		}
		return SourceRef{Kind: SourceKind(kind), ID: *id}, nil
	default:
		return SourceRef{}, fmt.Errorf("unknown source kind %q", kind)
	}
}

// TypeForSource maps a source variant to the attribution type it implies.
func TypeForSource(s SourceRef) Type {
	switch s.Kind {
	case SourceCall:
		return TypeCall
	case SourceTouch:
		return TypeMarketingTouch
	default:
		return TypeManual
	}
}

// PreviousAttribution is a snapshot of a superseded decision kept in evidence.
type PreviousAttribution struct {
	Type           Type      `json:"type"`
	Status         Status    `json:"status"`
	Source         string    `json:"source"`
	Campaign       string    `json:"campaign"`
	CampaignSource string    `json:"campaign_source"`
	CampaignMedium string    `json:"campaign_medium"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// Evidence is the structured record of why an attribution was decided.
type Evidence struct {
	InvoiceID             string                `json:"invoice_id,omitempty"`
	InvoiceAmount         string                `json:"invoice_amount,omitempty"`
	PaidAt                *time.Time            `json:"paid_at,omitempty"`
	LookbackStart         *time.Time            `json:"lookback_start,omitempty"`
	EvaluatedAt           *time.Time            `json:"evaluated_at,omitempty"`
	CallEventsFound       int                   `json:"call_events_found"`
	MarketingTouchesFound int                   `json:"marketing_touches_found"`
	AttributionReason     string                `json:"attribution_reason,omitempty"`
	Rule                  Rule                  `json:"rule,omitempty"`
	PreviousAttributions  []PreviousAttribution `json:"previous_attributions,omitempty"`
}

// Attribution is the single attribution record of a patient.
type Attribution struct {
	ID                      uuid.UUID
	PatientID               uuid.UUID
	ClinicID                uuid.UUID
	Type                    Type
	Status                  Status
	Source                  SourceRef
	CampaignName            string
	CampaignSource          string
	CampaignMedium          string
	Evidence                Evidence
	FirstInvoiceAmountCents *int64
	FirstInvoiceDate        *time.Time
	OverriddenBy            *uuid.UUID
	OverrideReason          string
	OverriddenAt            *time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// UpsertOutcome reports what an automatic upsert did to the stored row.
type UpsertOutcome int

const (
	// UpsertKept means a manual override was left untouched.
	UpsertKept UpsertOutcome = iota
	UpsertCreated
	UpsertUpdated
)

// Applied reports whether the candidate decision was written.
func (o UpsertOutcome) Applied() bool { return o != UpsertKept }

// Snapshot captures the current decision for the evidence history.
func (a *Attribution) Snapshot(at time.Time) PreviousAttribution {
	return PreviousAttribution{
		Type:           a.Type,
		Status:         a.Status,
		Source:         a.Source.String(),
		Campaign:       a.CampaignName,
		CampaignSource: a.CampaignSource,
		CampaignMedium: a.CampaignMedium,
		RecordedAt:     at.UTC(),
	}
}

// Override describes a manual correction.
type Override struct {
	// Source replaces the credited record when non-nil.
	Source *SourceRef
	// Campaign fields come from the new source record, if it has any.
	CampaignName   string
	CampaignSource string
	CampaignMedium string
	ActorID        uuid.UUID
	Reason         string
	At             time.Time
}

// ApplyOverride appends the current decision to the evidence history and then
// applies the correction. History entries are never rewritten.
func (a *Attribution) ApplyOverride(o Override) {
	at := o.At.UTC()
	a.Evidence.PreviousAttributions = append(a.Evidence.PreviousAttributions, a.Snapshot(at))

	if o.Source != nil {
		a.Source = *o.Source
		a.Type = TypeForSource(*o.Source)
		if o.Source.IsNone() {
			a.Source = NoSource()
			a.CampaignName = ""
			a.CampaignSource = ""
			a.CampaignMedium = ""
		} else {
			a.CampaignName = o.CampaignName
			a.CampaignSource = o.CampaignSource
			a.CampaignMedium = o.CampaignMedium
		}
	}

	actor := o.ActorID
	a.Status = StatusManual
	a.OverriddenBy = &actor
	a.OverrideReason = o.Reason
	a.OverriddenAt = &at
	a.UpdatedAt = at
}

// FormatCents renders an amount in minor units as a decimal string.
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
