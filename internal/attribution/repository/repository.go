package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"clinic_engine/internal/attribution/domain"
	"clinic_engine/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const attributionColumns = `id, patient_id, clinic_id, attribution_type, status, source_kind, source_id,
	campaign_name, campaign_source, campaign_medium, evidence, first_invoice_amount_cents, first_invoice_date,
	overridden_by, override_reason, overridden_at, created_at, updated_at`

const msgAttributionNotFound = "attribution not found"

// Repository persists attributions in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// New creates a new attribution repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID retrieves an attribution by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Attribution, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+attributionColumns+` FROM attributions WHERE id = $1`, id)
	a, err := scanAttribution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound(msgAttributionNotFound)
		}
		return nil, fmt.Errorf("failed to get attribution: %w", err)
	}
	return a, nil
}

// GetByPatient retrieves the attribution of a patient.
func (r *Repository) GetByPatient(ctx context.Context, patientID uuid.UUID) (*domain.Attribution, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+attributionColumns+` FROM attributions WHERE patient_id = $1`, patientID)
	a, err := scanAttribution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound(msgAttributionNotFound)
		}
		return nil, fmt.Errorf("failed to get attribution by patient: %w", err)
	}
	return a, nil
}

// Upsert writes an automatic decision keyed on patient_id in one statement.
// Rows whose status is manual are left untouched and reported as UpsertKept.
// Existing override history is carried over. xmax is zero only for a row the
// statement inserted, which tells a created row from an overwritten one.
func (r *Repository) Upsert(ctx context.Context, a *domain.Attribution) (*domain.Attribution, domain.UpsertOutcome, error) {
	evidence, err := json.Marshal(a.Evidence)
	if err != nil {
		return nil, domain.UpsertKept, fmt.Errorf("failed to encode evidence: %w", err)
	}
	kind, sourceID := a.Source.Columns()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO attributions (
			id, patient_id, clinic_id, attribution_type, status, source_kind, source_id,
			campaign_name, campaign_source, campaign_medium, evidence,
			first_invoice_amount_cents, first_invoice_date, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now(), now())
		ON CONFLICT (patient_id) DO UPDATE SET
			attribution_type = EXCLUDED.attribution_type,
			status = EXCLUDED.status,
			source_kind = EXCLUDED.source_kind,
			source_id = EXCLUDED.source_id,
			campaign_name = EXCLUDED.campaign_name,
			campaign_source = EXCLUDED.campaign_source,
			campaign_medium = EXCLUDED.campaign_medium,
			evidence = CASE
				WHEN attributions.evidence ? 'previous_attributions'
				THEN EXCLUDED.evidence || jsonb_build_object('previous_attributions', attributions.evidence -> 'previous_attributions')
				ELSE EXCLUDED.evidence
			END,
			first_invoice_amount_cents = EXCLUDED.first_invoice_amount_cents,
			first_invoice_date = EXCLUDED.first_invoice_date,
			updated_at = now()
		WHERE attributions.status <> 'manual'
		RETURNING `+attributionColumns+`, (xmax = 0) AS inserted`,
		a.ID, a.PatientID, a.ClinicID, string(a.Type), string(a.Status), kind, sourceID,
		a.CampaignName, a.CampaignSource, a.CampaignMedium, evidence,
		a.FirstInvoiceAmountCents, a.FirstInvoiceDate,
	)

	var inserted bool
	stored, err := scanAttribution(row, &inserted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			existing, getErr := r.GetByPatient(ctx, a.PatientID)
			if getErr != nil {
				return nil, domain.UpsertKept, getErr
			}
			return existing, domain.UpsertKept, nil
		}
		return nil, domain.UpsertKept, fmt.Errorf("failed to upsert attribution: %w", err)
	}
	if inserted {
		return stored, domain.UpsertCreated, nil
	}
	return stored, domain.UpsertUpdated, nil
}

// UpdateLocked loads the attribution under a row lock, lets mutate change it
// and writes it back in the same transaction.
func (r *Repository) UpdateLocked(ctx context.Context, id uuid.UUID, mutate func(*domain.Attribution) error) (*domain.Attribution, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	a, err := scanAttribution(tx.QueryRow(ctx, `SELECT `+attributionColumns+` FROM attributions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound(msgAttributionNotFound)
		}
		return nil, fmt.Errorf("failed to lock attribution: %w", err)
	}

	if err := mutate(a); err != nil {
		return nil, err
	}

	evidence, err := json.Marshal(a.Evidence)
	if err != nil {
		return nil, fmt.Errorf("failed to encode evidence: %w", err)
	}
	kind, sourceID := a.Source.Columns()

	updated, err := scanAttribution(tx.QueryRow(ctx, `
		UPDATE attributions SET
			attribution_type = $2,
			status = $3,
			source_kind = $4,
			source_id = $5,
			campaign_name = $6,
			campaign_source = $7,
			campaign_medium = $8,
			evidence = $9,
			overridden_by = $10,
			override_reason = $11,
			overridden_at = $12,
			updated_at = now()
		WHERE id = $1
		RETURNING `+attributionColumns,
		a.ID, string(a.Type), string(a.Status), kind, sourceID,
		a.CampaignName, a.CampaignSource, a.CampaignMedium, evidence,
		a.OverriddenBy, a.OverrideReason, a.OverriddenAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to update attribution: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit attribution update: %w", err)
	}
	return updated, nil
}

// scanAttribution reads attributionColumns followed by any extra columns.
func scanAttribution(row pgx.Row, extra ...any) (*domain.Attribution, error) {
	var (
		a            domain.Attribution
		attrType     string
		status       string
		sourceKind   string
		sourceID     *uuid.UUID
		evidenceJSON []byte
		invoiceDate  *time.Time
	)
	dest := []any{
		&a.ID, &a.PatientID, &a.ClinicID, &attrType, &status, &sourceKind, &sourceID,
		&a.CampaignName, &a.CampaignSource, &a.CampaignMedium, &evidenceJSON, &a.FirstInvoiceAmountCents, &invoiceDate,
		&a.OverriddenBy, &a.OverrideReason, &a.OverriddenAt, &a.CreatedAt, &a.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	source, err := domain.ParseSourceRef(sourceKind, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to decode attribution source: %w", err)
	}
	if len(evidenceJSON) > 0 {
		if err := json.Unmarshal(evidenceJSON, &a.Evidence); err != nil {
			return nil, fmt.Errorf("failed to decode evidence: %w", err)
		}
	}

	a.Type = domain.Type(attrType)
	a.Status = domain.Status(status)
	a.Source = source
	a.FirstInvoiceDate = invoiceDate
	return &a, nil
}
