package scheduler

import (
	"context"
	"time"

	attributionservice "clinic_engine/internal/attribution/service"
	"clinic_engine/platform/logger"

	"github.com/google/uuid"
)

// PendingSweeper evaluates patients that were paid but never attributed.
type PendingSweeper interface {
	SweepPendingAttributions(ctx context.Context, clinicID *uuid.UUID) (attributionservice.SweepResult, error)
}

// AttributionSweep runs the pending-attribution sweep on a fixed interval,
// starting immediately.
type AttributionSweep struct {
	sweeper  PendingSweeper
	log      *logger.Logger
	interval time.Duration
}

func NewAttributionSweep(sweeper PendingSweeper, log *logger.Logger, interval time.Duration) *AttributionSweep {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if log == nil {
		log = logger.Nop()
	}
	return &AttributionSweep{sweeper: sweeper, log: log, interval: interval}
}

func (s *AttributionSweep) Run(ctx context.Context) error {
	if s == nil || s.sweeper == nil {
		return nil
	}

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *AttributionSweep) sweep(ctx context.Context) {
	result, err := s.sweeper.SweepPendingAttributions(ctx, nil)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("attribution sweep failed", "error", err)
		}
		return
	}

	if result.Failed > 0 {
		s.log.Warn("attribution sweep had failures", "failed", result.Failed, "evaluated", result.Evaluated)
	}
}
