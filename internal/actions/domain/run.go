package domain

import (
	"context"
	"errors"
	"fmt"

	"clinic_engine/platform/logger"
)

// Ledger guards idempotency keys.
type Ledger interface {
	// Exists reports whether key was already used.
	Exists(ctx context.Context, key string) (bool, error)
	// Insert claims the record's key and stores the record atomically.
	// It returns false when the key was already claimed.
	Insert(ctx context.Context, rec Record) (bool, error)
}

// Rule is one generator: how to find triggers of type T and turn each into a
// record.
type Rule[T any] struct {
	Name string
	// Scan returns the triggers in the window.
	Scan func(ctx context.Context, w Window) ([]T, error)
	// Key derives the idempotency key. Equal triggers must yield equal keys.
	Key func(trigger T) string
	// Build constructs the record for key. Returning ErrSkip declines the
	// trigger.
	Build func(ctx context.Context, trigger T, key string) (Record, error)
	// Complete marks the trigger handled once its record exists. Optional.
	Complete func(ctx context.Context, trigger T) error
}

// Run executes rule over w. A scan failure aborts the run; failures of single
// triggers are logged, counted and do not stop the others.
func Run[T any](ctx context.Context, ledger Ledger, rule Rule[T], w Window, log *logger.Logger) (Result, error) {
	if log == nil {
		log = logger.Nop()
	}

	triggers, err := rule.Scan(ctx, w)
	if err != nil {
		return Result{}, fmt.Errorf("%s: scan failed: %w", rule.Name, err)
	}

	var result Result
	for _, trigger := range triggers {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Scanned++

		key := rule.Key(trigger)
		outcome, err := handleTrigger(ctx, ledger, rule, trigger, key)
		switch {
		case err != nil:
			result.Failed++
			log.TriggerFailed(key, err)
			continue
		case outcome == outcomeCreated:
			result.Created++
		default:
			result.Skipped++
		}

		if outcome == outcomeGuarded || rule.Complete == nil {
			continue
		}
		// Also runs for keys handled earlier so a marker lost after the
		// insert is repaired on the next pass.
		if err := rule.Complete(ctx, trigger); err != nil {
			log.Warn("failed to mark trigger complete", "generator", rule.Name, "idempotency_key", key, "error", err)
		}
	}
	return result, nil
}

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeDuplicate
	outcomeGuarded
)

func handleTrigger[T any](ctx context.Context, ledger Ledger, rule Rule[T], trigger T, key string) (outcome, error) {
	if key == "" {
		return 0, errors.New("empty idempotency key")
	}

	exists, err := ledger.Exists(ctx, key)
	if err != nil {
		return 0, err
	}
	if exists {
		return outcomeDuplicate, nil
	}

	rec, err := rule.Build(ctx, trigger, key)
	if errors.Is(err, ErrSkip) {
		return outcomeGuarded, nil
	}
	if err != nil {
		return 0, err
	}
	if rec.IdempotencyKey() != key {
		return 0, fmt.Errorf("record key %q does not match trigger key %q", rec.IdempotencyKey(), key)
	}

	inserted, err := ledger.Insert(ctx, rec)
	if err != nil {
		return 0, err
	}
	if !inserted {
		return outcomeDuplicate, nil
	}
	return outcomeCreated, nil
}
