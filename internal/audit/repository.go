package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"clinic_engine/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const msgImmutable = "audit log entries are immutable"

// Repository stores audit rows in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new audit repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append inserts a new audit row.
func (r *Repository) Append(ctx context.Context, log Log) error {
	changes, err := json.Marshal(log.Changes)
	if err != nil {
		return fmt.Errorf("failed to encode audit changes: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO audit_logs (id, actor_id, clinic_id, action, target_type, target_id, target_repr, changes, ip_address, user_agent, "timestamp")
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::inet, $10, $11)`,
		log.ID, log.ActorID, log.ClinicID, string(log.Action), log.TargetType, log.TargetID, log.TargetRepr,
		changes, log.IPAddress, log.UserAgent, log.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// Update always fails.
func (r *Repository) Update(_ context.Context, _ Log) error {
	return apperr.Forbidden(msgImmutable).WithOp("audit.Update")
}

// Delete always fails.
func (r *Repository) Delete(_ context.Context, _ uuid.UUID) error {
	return apperr.Forbidden(msgImmutable).WithOp("audit.Delete")
}

// ListForTarget returns the audit trail of one record, newest first.
func (r *Repository) ListForTarget(ctx context.Context, clinicID uuid.UUID, targetType string, targetID uuid.UUID, limit int) ([]Log, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, actor_id, clinic_id, action, target_type, target_id, target_repr, changes, host(ip_address), user_agent, "timestamp"
		FROM audit_logs
		WHERE clinic_id = $1 AND target_type = $2 AND target_id = $3
		ORDER BY "timestamp" DESC
		LIMIT $4`, clinicID, targetType, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	var logs []Log
	for rows.Next() {
		var (
			entry   Log
			action  string
			changes []byte
		)
		if err := rows.Scan(
			&entry.ID, &entry.ActorID, &entry.ClinicID, &action, &entry.TargetType, &entry.TargetID,
			&entry.TargetRepr, &changes, &entry.IPAddress, &entry.UserAgent, &entry.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		entry.Action = Action(action)
		if len(changes) > 0 {
			if err := json.Unmarshal(changes, &entry.Changes); err != nil {
				return nil, fmt.Errorf("failed to decode audit changes: %w", err)
			}
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}
