package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"clinic_engine/platform/config"
	"clinic_engine/platform/logger"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the forwarder needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// envelope is the wire format of a forwarded event.
type envelope struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Source     string    `json:"source"`
	OccurredAt time.Time `json:"occurredAt"`
	Data       Event     `json:"data"`
}

const forwarderSource = "clinic-engine"

// Forwarder publishes bus events to a Kafka topic for downstream analytics.
type Forwarder struct {
	writer MessageWriter
	log    *logger.Logger
}

// NewKafkaWriter builds a synchronous writer for the configured topic.
func NewKafkaWriter(cfg config.StreamConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.GetKafkaBrokers()...),
		Topic:        cfg.GetKafkaTopic(),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// NewForwarder creates a forwarder writing through writer.
func NewForwarder(writer MessageWriter, log *logger.Logger) *Forwarder {
	if log == nil {
		log = logger.Nop()
	}
	return &Forwarder{writer: writer, log: log}
}

// Attach subscribes the forwarder to every domain event on bus.
func (f *Forwarder) Attach(bus Bus) {
	for _, name := range []string{NameAttributionEvaluated, NameAttributionOverridden, NameActionsGenerated} {
		bus.Subscribe(name, f)
	}
}

// Handle forwards one event. Messages are keyed by clinic so a clinic's
// events stay ordered within a partition.
func (f *Forwarder) Handle(ctx context.Context, event Event) error {
	env := envelope{
		ID:         uuid.New().String(),
		Type:       event.EventName(),
		Source:     forwarderSource,
		OccurredAt: event.OccurredAt(),
		Data:       event,
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var key []byte
	if scoped, ok := event.(ClinicScoped); ok {
		key = []byte(scoped.Clinic().String())
	}

	msg := kafka.Message{
		Key:   key,
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(env.Type)},
			{Key: "source", Value: []byte(forwarderSource)},
		},
	}
	if err := f.writer.WriteMessages(ctx, msg); err != nil {
		f.log.Error("failed to forward event", "event_id", env.ID, "event_type", env.Type, "error", err)
		return err
	}

	f.log.Debug("event forwarded", "event_id", env.ID, "event_type", env.Type)
	return nil
}

// Close flushes and closes the underlying writer.
func (f *Forwarder) Close() error {
	return f.writer.Close()
}
