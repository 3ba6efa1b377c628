package escrow

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically cancels transactions stuck in pending past their
// capture deadline and refreshes the in-flight gauges.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
}

// NewSweeper creates a sweeper running every interval.
func NewSweeper(e *Engine, interval time.Duration) *Sweeper {
	return &Sweeper{engine: e, interval: interval}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("escrow sweeper started", "interval", s.interval.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("escrow sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.engine.ExpirePending(ctx)
	if err != nil {
		slog.Error("expire pending failed", "err", err)
	} else if n > 0 {
		slog.Info("expired pending transactions", "count", n)
	}
	if _, _, err := s.engine.InFlight(ctx); err != nil {
		slog.Error("in-flight refresh failed", "err", err)
	}
}
