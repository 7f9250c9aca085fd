package timeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/avatarmeet/meetsignal/internal/metrics"
)

// Sweeper runs Log.Sweep on a fixed period equal to the retention window, so
// an expired event outlives its window by at most one period. It stops when
// its context is cancelled.
type Sweeper struct {
	log    *Log
	period time.Duration
}

func NewSweeper(log *Log) *Sweeper {
	return &Sweeper{log: log, period: log.Retention()}
}

// Run blocks until ctx is done. Callers start it in its own goroutine.
func (s *Sweeper) Run(ctx context.Context, m *metrics.Metrics) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("timeline sweeper stopped")
			return
		case now := <-ticker.C:
			if evicted := s.log.Sweep(now); evicted > 0 {
				m.Add(metrics.TimelineSwept, uint64(evicted))
				slog.Info("timeline sweep", "evicted", evicted)
			}
		}
	}
}
