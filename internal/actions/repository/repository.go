package repository

import (
	"context"
	"fmt"

	"clinic_engine/internal/actions/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the Postgres idempotency ledger. It claims a key in
// idempotency_keys and writes the action record in one transaction.
type Repository struct {
	pool *pgxpool.Pool
}

// New creates a new actions repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Exists reports whether key was already claimed.
func (r *Repository) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM idempotency_keys WHERE key = $1)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return exists, nil
}

// Insert claims rec's key and stores rec. A concurrent or earlier claim of the
// same key makes this a no-op that returns false.
func (r *Repository) Insert(ctx context.Context, rec domain.Record) (bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO idempotency_keys (key, action_kind, action_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING`,
		rec.IdempotencyKey(), string(rec.ActionKind()), rec.ActionID(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	switch v := rec.(type) {
	case *domain.Task:
		err = insertTask(ctx, tx, v)
	case *domain.ReviewRequest:
		err = insertReviewRequest(ctx, tx, v)
	default:
		err = fmt.Errorf("unsupported action record %T", rec)
	}
	if err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit action: %w", err)
	}
	return true, nil
}

func insertTask(ctx context.Context, tx pgx.Tx, t *domain.Task) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO tasks (
			id, clinic_id, patient_id, task_type, title, description, priority, status,
			source_type, source_id, idempotency_key, due_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		t.ID, t.ClinicID, t.PatientID, t.TaskType, t.Title, t.Description, t.Priority, t.Status,
		t.SourceType, t.SourceID, t.Key, t.DueAt, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func insertReviewRequest(ctx context.Context, tx pgx.Tx, rr *domain.ReviewRequest) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO review_requests (
			id, clinic_id, patient_id, appointment_id, channel, status, scheduled_at,
			idempotency_key, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		rr.ID, rr.ClinicID, rr.PatientID, rr.AppointmentID, rr.Channel, rr.Status, rr.ScheduledAt,
		rr.Key, rr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert review request: %w", err)
	}
	return nil
}

var _ domain.Ledger = (*Repository)(nil)
