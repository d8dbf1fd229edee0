package transport

import (
	"time"

	"github.com/google/uuid"
)

// RunGeneratorRequest optionally limits a run to one clinic and pins the
// reference time. Both default: every active clinic, now.
type RunGeneratorRequest struct {
	ClinicID *uuid.UUID `json:"clinicId,omitempty"`
	At       *time.Time `json:"at,omitempty"`
}

// RunGeneratorResponse reports the outcome of a generator run.
type RunGeneratorResponse struct {
	Generator string `json:"generator"`
	Scanned   int    `json:"scanned"`
	Created   int    `json:"created"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

// ListGeneratorsResponse names the generators that can be run.
type ListGeneratorsResponse struct {
	Generators []string `json:"generators"`
}
