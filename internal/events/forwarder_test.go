package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"clinic_engine/platform/logger"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestForwarderWritesEnvelopeKeyedByClinic(t *testing.T) {
	w := &fakeWriter{}
	f := NewForwarder(w, logger.Nop())
	clinicID := uuid.New()

	evt := ActionsGenerated{
		BaseEvent: NewBaseEvent(time.Time{}),
		Generator: "callback",
		ClinicID:  clinicID,
		Scanned:   3,
		Created:   2,
		Skipped:   1,
	}
	if err := f.Handle(context.Background(), evt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != clinicID.String() {
		t.Fatalf("expected clinic key, got %q", msg.Key)
	}

	var decoded struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("invalid envelope: %v", err)
	}
	if decoded.Type != NameActionsGenerated {
		t.Fatalf("expected type %q, got %q", NameActionsGenerated, decoded.Type)
	}
	if decoded.Data["generator"] != "callback" || decoded.Data["created"] != float64(2) {
		t.Fatalf("unexpected payload %v", decoded.Data)
	}
}

func TestForwarderReturnsWriteError(t *testing.T) {
	boom := errors.New("broker unavailable")
	f := NewForwarder(&fakeWriter{err: boom}, nil)

	err := f.Handle(context.Background(), AttributionOverridden{BaseEvent: NewBaseEvent(time.Time{})})
	if !errors.Is(err, boom) {
		t.Fatalf("expected write error, got %v", err)
	}
}

func TestForwarderAttachSubscribesDomainEvents(t *testing.T) {
	w := &fakeWriter{}
	bus := NewInMemoryBus(logger.Nop())
	NewForwarder(w, nil).Attach(bus)

	if err := bus.PublishSync(context.Background(), AttributionEvaluated{BaseEvent: NewBaseEvent(time.Time{}), ClinicID: uuid.New()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected forwarded message, got %d", len(w.msgs))
	}
}
