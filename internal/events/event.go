// Package events defines the attribution and action events and the bus the
// API, scheduler and CLI publish them on. The bus itself lives in
// platform/events; the Kafka forwarder in this package mirrors it.
package events

import (
	"clinic_engine/platform/events"

	"github.com/google/uuid"
)

type (
	Event       = events.Event
	Bus         = events.Bus
	InMemoryBus = events.InMemoryBus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
)

var (
	NewBaseEvent   = events.NewBaseEvent
	NewInMemoryBus = events.NewInMemoryBus
)

// Event names
const (
	NameAttributionEvaluated  = "attribution.evaluated"
	NameAttributionOverridden = "attribution.overridden"
	NameActionsGenerated      = "actions.generated"
)

// =============================================================================
// Attribution Domain Events
// =============================================================================

// AttributionEvaluated is published after the ranker ran for a patient.
// Applied is false when a manual override kept the stored decision.
type AttributionEvaluated struct {
	BaseEvent
	ClinicID      uuid.UUID `json:"clinicId"`
	PatientID     uuid.UUID `json:"patientId"`
	AttributionID uuid.UUID `json:"attributionId"`
	InvoiceID     uuid.UUID `json:"invoiceId"`
	Type          string    `json:"type"`
	Rule          string    `json:"rule"`
	CampaignName  string    `json:"campaignName,omitempty"`
	Applied       bool      `json:"applied"`
}

func (e AttributionEvaluated) EventName() string { return NameAttributionEvaluated }

// AttributionOverridden is published when staff corrected an attribution.
type AttributionOverridden struct {
	BaseEvent
	ClinicID      uuid.UUID `json:"clinicId"`
	PatientID     uuid.UUID `json:"patientId"`
	AttributionID uuid.UUID `json:"attributionId"`
	ActorID       uuid.UUID `json:"actorId"`
	PreviousType  string    `json:"previousType"`
	Type          string    `json:"type"`
	Source        string    `json:"source"`
	Reason        string    `json:"reason"`
}

func (e AttributionOverridden) EventName() string { return NameAttributionOverridden }

// =============================================================================
// Action Generator Events
// =============================================================================

// ActionsGenerated summarizes one generator pass over one clinic.
type ActionsGenerated struct {
	BaseEvent
	Generator string    `json:"generator"`
	ClinicID  uuid.UUID `json:"clinicId"`
	Scanned   int       `json:"scanned"`
	Created   int       `json:"created"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
}

func (e ActionsGenerated) EventName() string { return NameActionsGenerated }

// ClinicScoped is implemented by events that belong to one clinic.
type ClinicScoped interface {
	Clinic() uuid.UUID
}

func (e AttributionEvaluated) Clinic() uuid.UUID  { return e.ClinicID }
func (e AttributionOverridden) Clinic() uuid.UUID { return e.ClinicID }
func (e ActionsGenerated) Clinic() uuid.UUID      { return e.ClinicID }
