// Package domain turns operational triggers into staff-facing records
// without ever creating the same record twice. Each generator is a Rule:
// scan a window for triggers, derive a stable idempotency key per trigger and
// materialize at most one record per key through the Ledger.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the table an action record lives in.
type Kind string

const (
	KindTask          Kind = "task"
	KindReviewRequest Kind = "review_request"
)

// Task types
const (
	TaskTypeCallback          = "callback"
	TaskTypeReviewRequest     = "review_request"
	TaskTypeTreatmentFollowup = "treatment_followup"
	TaskTypeRecall            = "recall"
	TaskTypeCustom            = "custom"
)

// Task priorities, 1 is most urgent.
const (
	PriorityUrgent = 1
	PriorityHigh   = 2
	PriorityNormal = 3
	PriorityLow    = 4
)

// Statuses a generator creates records in.
const (
	TaskStatusPending          = "pending"
	ReviewRequestStatusPending = "pending"
)

// Review request channels
const (
	ChannelSMS   = "sms"
	ChannelEmail = "email"
)

// ErrSkip is returned by a rule's Build to decline a trigger that does not
// qualify, e.g. a caller that matches no patient.
var ErrSkip = errors.New("trigger skipped")

// Record is an action a generator materializes.
type Record interface {
	ActionKind() Kind
	ActionID() uuid.UUID
	IdempotencyKey() string
	ActionClinicID() uuid.UUID
	ActionPatientID() uuid.UUID
}

// Task is a unit of staff work.
type Task struct {
	ID          uuid.UUID
	ClinicID    uuid.UUID
	PatientID   uuid.UUID
	TaskType    string
	Title       string
	Description string
	Priority    int
	Status      string
	SourceType  string
	SourceID    *uuid.UUID
	Key         string
	DueAt       *time.Time
	CreatedAt   time.Time
}

func (t *Task) ActionKind() Kind           { return KindTask }
func (t *Task) ActionID() uuid.UUID        { return t.ID }
func (t *Task) IdempotencyKey() string     { return t.Key }
func (t *Task) ActionClinicID() uuid.UUID  { return t.ClinicID }
func (t *Task) ActionPatientID() uuid.UUID { return t.PatientID }

// ReviewRequest is a scheduled request for a patient review.
type ReviewRequest struct {
	ID            uuid.UUID
	ClinicID      uuid.UUID
	PatientID     uuid.UUID
	AppointmentID uuid.UUID
	Channel       string
	Status        string
	ScheduledAt   time.Time
	Key           string
	CreatedAt     time.Time
}

func (r *ReviewRequest) ActionKind() Kind           { return KindReviewRequest }
func (r *ReviewRequest) ActionID() uuid.UUID        { return r.ID }
func (r *ReviewRequest) IdempotencyKey() string     { return r.Key }
func (r *ReviewRequest) ActionClinicID() uuid.UUID  { return r.ClinicID }
func (r *ReviewRequest) ActionPatientID() uuid.UUID { return r.PatientID }

// Window is a closed time interval. A zero From means unbounded.
type Window struct {
	From time.Time
	To   time.Time
}

// Trailing is the window of length d ending at now.
func Trailing(now time.Time, d time.Duration) Window {
	return Window{From: now.Add(-d), To: now}
}

// Around is the window of half-width half centered on at.
func Around(at time.Time, half time.Duration) Window {
	return Window{From: at.Add(-half), To: at.Add(half)}
}

// Before is the unbounded window ending at cutoff.
func Before(cutoff time.Time) Window {
	return Window{To: cutoff}
}

// Contains reports whether t falls inside w.
func (w Window) Contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	return !t.After(w.To)
}

// Result counts the outcome of one generator run.
type Result struct {
	Scanned int `json:"scanned"`
	Created int `json:"created"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Add accumulates other into r.
func (r *Result) Add(other Result) {
	r.Scanned += other.Scanned
	r.Created += other.Created
	r.Skipped += other.Skipped
	r.Failed += other.Failed
}
