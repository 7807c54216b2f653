package cursor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/dermal/dermal/internal/platform/metrics"
)

// Sweeper periodically removes expired cursors from a Store.
type Sweeper struct {
	store    Store
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// NewSweeper creates a sweeper; m may be nil.
func NewSweeper(store Store, interval time.Duration, log zerolog.Logger, m *metrics.Metrics) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		now:      time.Now,
		log:      log.With().Str("component", "cursor-sweeper").Logger(),
		metrics:  m,
	}
}

// SweepOnce runs a single sweep and returns the number of cursors removed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	removed, err := s.store.Sweep(ctx, s.now())
	if err != nil {
		return removed, err
	}
	remaining, err := s.store.Len(ctx)
	if err != nil {
		return removed, err
	}
	s.metrics.RecordSweep(removed, remaining)
	if removed > 0 {
		s.log.Info().Int("removed", removed).Int("remaining", remaining).Msg("swept expired search cursors")
	} else {
		s.log.Debug().Int("remaining", remaining).Msg("cursor sweep found nothing to remove")
	}
	return removed, nil
}

// Run sweeps every interval until ctx is cancelled. It always returns nil so
// it can run inside an errgroup next to the HTTP server.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("cursor sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("cursor sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("cursor sweep failed")
			}
		}
	}
}
