// Package audit records who touched which clinic record. Entries are append
// only: the repository refuses updates and deletes, and the audit_logs table
// carries a trigger that rejects them as well.
package audit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"clinic_engine/platform/apperr"
	"clinic_engine/platform/logger"

	"github.com/google/uuid"
)

// Action is what the actor did to the target.
type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionExport Action = "export"
)

const (
	maxReprLength      = 255
	maxUserAgentLength = 500
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionRead, ActionCreate, ActionUpdate, ActionDelete, ActionExport:
		return true
	default:
		return false
	}
}

// Provenance is where a request came from.
type Provenance struct {
	IP        string
	UserAgent string
}

// ProvenanceFromRequest takes the first X-Forwarded-For hop, falling back to
// the remote address.
func ProvenanceFromRequest(r *http.Request) Provenance {
	if r == nil {
		return Provenance{}
	}

	ip := ""
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip = strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	if ip == "" {
		ip = r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
	}

	return Provenance{
		IP:        ip,
		UserAgent: truncate(r.UserAgent(), maxUserAgentLength),
	}
}

// Entry is one audit event to record.
type Entry struct {
	ActorID    *uuid.UUID
	ClinicID   uuid.UUID
	Action     Action
	TargetType string
	TargetID   uuid.UUID
	TargetRepr string
	Changes    map[string]any
	Provenance Provenance
}

// Log is a stored audit row.
type Log struct {
	ID         uuid.UUID
	ActorID    *uuid.UUID
	ClinicID   uuid.UUID
	Action     Action
	TargetType string
	TargetID   uuid.UUID
	TargetRepr string
	Changes    map[string]any
	IPAddress  *string
	UserAgent  string
	Timestamp  time.Time
}

// Store persists audit rows.
type Store interface {
	Append(ctx context.Context, log Log) error
}

// Recorder writes audit entries.
type Recorder struct {
	store Store
	log   *logger.Logger
	now   func() time.Time
}

// NewRecorder creates a recorder backed by store.
func NewRecorder(store Store, log *logger.Logger) *Recorder {
	if log == nil {
		log = logger.Nop()
	}
	return &Recorder{store: store, log: log, now: time.Now}
}

// RecordAudit validates and appends one entry.
func (r *Recorder) RecordAudit(ctx context.Context, e Entry) (*Log, error) {
	if !e.Action.Valid() {
		return nil, apperr.Validation(fmt.Sprintf("unknown audit action %q", e.Action))
	}
	if e.ClinicID == uuid.Nil || e.TargetID == uuid.Nil || strings.TrimSpace(e.TargetType) == "" {
		return nil, apperr.Validation("audit entry requires clinic and target")
	}

	changes := e.Changes
	if changes == nil {
		changes = map[string]any{}
	}

	entry := Log{
		ID:         uuid.New(),
		ActorID:    e.ActorID,
		ClinicID:   e.ClinicID,
		Action:     e.Action,
		TargetType: e.TargetType,
		TargetID:   e.TargetID,
		TargetRepr: truncate(e.TargetRepr, maxReprLength),
		Changes:    changes,
		IPAddress:  normalizeIP(e.Provenance.IP),
		UserAgent:  truncate(e.Provenance.UserAgent, maxUserAgentLength),
		Timestamp:  r.now().UTC(),
	}

	if err := r.store.Append(ctx, entry); err != nil {
		r.log.DatabaseError("audit_append", err)
		return nil, err
	}
	return &entry, nil
}

// normalizeIP drops values the inet column would reject.
func normalizeIP(raw string) *string {
	ip := net.ParseIP(strings.TrimSpace(raw))
	if ip == nil {
		return nil
	}
	s := ip.String()
	return &s
}

// truncate cuts s to at most max runes.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
