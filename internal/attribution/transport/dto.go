package transport

import (
	"time"

	"clinic_engine/internal/attribution/domain"
	"clinic_engine/internal/audit"

	"github.com/google/uuid"
)

// OverrideAttributionRequest is the request body for a manual correction.
// Omitting sourceKind keeps the current source; "none" clears it.
type OverrideAttributionRequest struct {
	SourceKind *string    `json:"sourceKind,omitempty" validate:"omitempty,oneof=call touch none"`
	SourceID   *uuid.UUID `json:"sourceId,omitempty" validate:"required_if=SourceKind call,required_if=SourceKind touch"`
	Reason     string     `json:"reason" validate:"required,min=3,max=1000"`
}

// SourceRef converts the request into the source to apply, or nil to keep
// the current one.
func (r OverrideAttributionRequest) SourceRef() (*domain.SourceRef, error) {
	if r.SourceKind == nil {
		return nil, nil
	}
	ref, err := domain.ParseSourceRef(*r.SourceKind, r.SourceID)
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// SourceResponse describes the credited record.
type SourceResponse struct {
	Kind string     `json:"kind"`
	ID   *uuid.UUID `json:"id,omitempty"`
}

// PreviousAttributionResponse is one entry of the override history.
type PreviousAttributionResponse struct {
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	Source         string    `json:"source"`
	Campaign       string    `json:"campaign"`
	CampaignSource string    `json:"campaignSource"`
	CampaignMedium string    `json:"campaignMedium"`
	RecordedAt     time.Time `json:"recordedAt"`
}

// AttributionResponse is the API representation of an attribution.
type AttributionResponse struct {
	ID                      uuid.UUID                     `json:"id"`
	PatientID               uuid.UUID                     `json:"patientId"`
	Type                    string                        `json:"type"`
	Status                  string                        `json:"status"`
	Source                  SourceResponse                `json:"source"`
	CampaignName            string                        `json:"campaignName"`
	CampaignSource          string                        `json:"campaignSource"`
	CampaignMedium          string                        `json:"campaignMedium"`
	Reason                  string                        `json:"reason,omitempty"`
	Rule                    string                        `json:"rule,omitempty"`
	EvaluatedAt             *time.Time                    `json:"evaluatedAt,omitempty"`
	CallEventsFound         int                           `json:"callEventsFound"`
	MarketingTouchesFound   int                           `json:"marketingTouchesFound"`
	FirstInvoiceAmountCents *int64                        `json:"firstInvoiceAmountCents,omitempty"`
	FirstInvoiceDate        *time.Time                    `json:"firstInvoiceDate,omitempty"`
	OverriddenBy            *uuid.UUID                    `json:"overriddenBy,omitempty"`
	OverrideReason          string                        `json:"overrideReason,omitempty"`
	OverriddenAt            *time.Time                    `json:"overriddenAt,omitempty"`
	History                 []PreviousAttributionResponse `json:"history"`
	UpdatedAt               time.Time                     `json:"updatedAt"`
}

// ToAttributionResponse maps the domain record to its API shape.
func ToAttributionResponse(a *domain.Attribution) AttributionResponse {
	kind, id := a.Source.Columns()
	history := make([]PreviousAttributionResponse, 0, len(a.Evidence.PreviousAttributions))
	for _, p := range a.Evidence.PreviousAttributions {
		history = append(history, PreviousAttributionResponse{
			Type:           string(p.Type),
			Status:         string(p.Status),
			Source:         p.Source,
			Campaign:       p.Campaign,
			CampaignSource: p.CampaignSource,
			CampaignMedium: p.CampaignMedium,
			RecordedAt:     p.RecordedAt,
		})
	}

	return AttributionResponse{
		ID:                      a.ID,
		PatientID:               a.PatientID,
		Type:                    string(a.Type),
		Status:                  string(a.Status),
		Source:                  SourceResponse{Kind: kind, ID: id},
		CampaignName:            a.CampaignName,
		CampaignSource:          a.CampaignSource,
		CampaignMedium:          a.CampaignMedium,
		Reason:                  a.Evidence.AttributionReason,
		Rule:                    string(a.Evidence.Rule),
		EvaluatedAt:             a.Evidence.EvaluatedAt,
		CallEventsFound:         a.Evidence.CallEventsFound,
		MarketingTouchesFound:   a.Evidence.MarketingTouchesFound,
		FirstInvoiceAmountCents: a.FirstInvoiceAmountCents,
		FirstInvoiceDate:        a.FirstInvoiceDate,
		OverriddenBy:            a.OverriddenBy,
		OverrideReason:          a.OverrideReason,
		OverriddenAt:            a.OverriddenAt,
		History:                 history,
		UpdatedAt:               a.UpdatedAt,
	}
}

// EvaluateAttributionRequest triggers an evaluation for a paid invoice.
type EvaluateAttributionRequest struct {
	PatientID uuid.UUID `json:"patientId" validate:"required"`
	InvoiceID uuid.UUID `json:"invoiceId" validate:"required"`
}

// SweepRequest limits a sweep to one clinic when ClinicID is set.
type SweepRequest struct {
	ClinicID *uuid.UUID `json:"clinicId,omitempty"`
}

// SweepResponse reports the outcome of a sweep.
type SweepResponse struct {
	Scanned   int `json:"scanned"`
	Evaluated int `json:"evaluated"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// AuditLogResponse is one entry of an attribution's audit trail.
type AuditLogResponse struct {
	ID        uuid.UUID      `json:"id"`
	ActorID   *uuid.UUID     `json:"actorId,omitempty"`
	Action    string         `json:"action"`
	Changes   map[string]any `json:"changes,omitempty"`
	IPAddress *string        `json:"ipAddress,omitempty"`
	UserAgent string         `json:"userAgent,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ToAuditLogResponses maps stored audit rows to their API shape.
func ToAuditLogResponses(logs []audit.Log) []AuditLogResponse {
	out := make([]AuditLogResponse, 0, len(logs))
	for _, l := range logs {
		out = append(out, AuditLogResponse{
			ID:        l.ID,
			ActorID:   l.ActorID,
			Action:    string(l.Action),
			Changes:   l.Changes,
			IPAddress: l.IPAddress,
			UserAgent: l.UserAgent,
			Timestamp: l.Timestamp,
		})
	}
	return out
}
