package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
)

type schedulerConfig struct {
	redisURL string
}

func (c schedulerConfig) GetRedisURL() string                  { return c.redisURL }
func (c schedulerConfig) GetRedisTLSInsecure() bool            { return false }
func (c schedulerConfig) GetAsynqQueueName() string            { return "engine" }
func (c schedulerConfig) GetAsynqConcurrency() int             { return 1 }
func (c schedulerConfig) GetScheduleFile() string              { return "" }
func (c schedulerConfig) GetSchedulerLocation() *time.Location { return time.UTC }

func TestEnqueueEvaluationDeduplicates(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(schedulerConfig{redisURL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	patientID, invoiceID := uuid.New(), uuid.New()
	for i := 0; i < 2; i++ {
		if err := client.EnqueueEvaluation(ctx, patientID, invoiceID); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	pending, err := mr.List("asynq:{engine}:pending")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one pending evaluation, got %d", len(pending))
	}

	if err := client.EnqueueEvaluation(ctx, patientID, uuid.New()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pending, _ = mr.List("asynq:{engine}:pending")
	if len(pending) != 2 {
		t.Fatalf("expected a second invoice to enqueue, got %d", len(pending))
	}
}

func TestNewClientRequiresRedis(t *testing.T) {
	if _, err := NewClient(schedulerConfig{}); err == nil {
		t.Fatal("expected error without redis url")
	}
}

func TestRedisClientOptParsesURL(t *testing.T) {
	opt, err := redisClientOpt("rediss://:secret@cache.internal:6380/2", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opt.Addr != "cache.internal:6380" || opt.Password != "secret" || opt.DB != 2 {
		t.Fatalf("unexpected options %+v", opt)
	}
	if opt.TLSConfig == nil || !opt.TLSConfig.InsecureSkipVerify {
		t.Fatal("expected insecure TLS config")
	}
}
