// Package sweep runs the periodic background pass that promotes due
// commissions and batches payable ones into payouts.
package sweep

import (
	"context"
	"time"

	"github.com/cynergists/be-partner-commissions/internal/logger"
	"github.com/cynergists/be-partner-commissions/internal/service"
)

// Sweeper drives the commission lifecycle on a fixed interval.
type Sweeper struct {
	commissions *service.CommissionService
	payouts     *service.PayoutService
	interval    time.Duration
	log         *logger.Logger
}

// New creates a sweeper.
func New(commissions *service.CommissionService, payouts *service.PayoutService, interval time.Duration, log *logger.Logger) *Sweeper {
	return &Sweeper{
		commissions: commissions,
		payouts:     payouts,
		interval:    interval,
		log:         log,
	}
}

// Run executes sweep passes until the context is canceled. One pass runs
// immediately on start.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	promoted, err := s.commissions.PromoteDuePayable(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Sweep: failed to promote due commissions")
		return
	}

	created, err := s.payouts.CreateDueBatches(ctx, time.Now())
	if err != nil {
		s.log.Error().Err(err).Msg("Sweep: failed to create payout batches")
		return
	}

	if promoted > 0 || created > 0 {
		s.log.Info().
			Int64("commissions_promoted", promoted).
			Int("batches_created", created).
			Msg("Sweep pass completed")
	}
}
