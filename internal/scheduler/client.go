package scheduler

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"clinic_engine/platform/config"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// evaluationDedupWindow collapses repeated sync notifications for the same
// invoice into one evaluation.
const evaluationDedupWindow = 10 * time.Minute

type Client struct {
	client *asynq.Client
	queue  string
}

// EvaluationEnqueuer is used by sync jobs that learn about a paid invoice.
type EvaluationEnqueuer interface {
	EnqueueEvaluation(ctx context.Context, patientID, invoiceID uuid.UUID) error
}

func NewClient(cfg config.SchedulerConfig) (*Client, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	return &Client{
		client: asynq.NewClient(opt),
		queue:  queueName(cfg),
	}, nil
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// EnqueueEvaluation schedules an attribution evaluation. A duplicate within
// the dedup window is not an error.
func (c *Client) EnqueueEvaluation(ctx context.Context, patientID, invoiceID uuid.UUID) error {
	if c == nil || c.client == nil {
		return nil
	}

	task, err := NewEvaluateAttributionTask(EvaluateAttributionPayload{
		PatientID: patientID.String(),
		InvoiceID: invoiceID.String(),
	})
	if err != nil {
		return err
	}

	_, err = c.client.EnqueueContext(ctx, task,
		asynq.Queue(c.queue),
		asynq.Unique(evaluationDedupWindow),
		asynq.MaxRetry(5),
	)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

// EnqueueGenerator schedules one generator run outside the periodic schedule.
func (c *Client) EnqueueGenerator(ctx context.Context, generator string, clinicID *uuid.UUID) error {
	if c == nil || c.client == nil {
		return nil
	}

	payload := RunGeneratorPayload{Generator: generator}
	if clinicID != nil {
		payload.ClinicID = clinicID.String()
	}
	task, err := NewRunGeneratorTask(payload)
	if err != nil {
		return err
	}

	_, err = c.client.EnqueueContext(ctx, task, asynq.Queue(c.queue), asynq.MaxRetry(3))
	return err
}

func queueName(cfg config.SchedulerConfig) string {
	if queue := cfg.GetAsynqQueueName(); queue != "" {
		return queue
	}
	return "default"
}

func redisClientOpt(redisURL string, tlsInsecure bool) (asynq.RedisClientOpt, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}

	var tlsConfig *tls.Config
	if opt.TLSConfig != nil {
		clone := opt.TLSConfig.Clone()
		if tlsInsecure {
			clone.InsecureSkipVerify = true
		}
		tlsConfig = clone
	} else if tlsInsecure {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: tlsConfig,
	}, nil
}
