// Package retention prunes ledger rows that fall outside the retention window.
package retention

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/skobkin/nvgputop-web/internal/ledger"
)

// Store is what the sweeper needs from the ledger.
type Store interface {
	DeleteOlderThan(ctx context.Context, cutoff int64) (ledger.DeleteStats, error)
	Reclaim() error
}

// Sweeper periodically deletes expired rows and reclaims space.
type Sweeper struct {
	store    Store
	window   time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	lastRun  time.Time
	lastStat ledger.DeleteStats
}

// NewSweeper validates the window and interval.
func NewSweeper(store Store, window, interval time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if window <= 0 {
		return nil, fmt.Errorf("retention window must be > 0")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be > 0")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sweeper{
		store:    store,
		window:   window,
		interval: interval,
		logger:   logger.With("component", "retention"),
		now:      time.Now,
	}, nil
}

// Run sweeps immediately and then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("retention sweeper started", "window", s.window, "interval", s.interval)
	s.sweepAndLog(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention sweeper stopping", "reason", ctx.Err())
			return nil
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

// Sweep runs one pass with cutoff now-window. Rows at the cutoff are kept.
func (s *Sweeper) Sweep(ctx context.Context) (ledger.DeleteStats, error) {
	now := s.now()
	cutoff := now.Add(-s.window).Unix()

	stats, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return stats, fmt.Errorf("delete older than %d: %w", cutoff, err)
	}
	if err := s.store.Reclaim(); err != nil {
		return stats, fmt.Errorf("reclaim: %w", err)
	}

	s.mu.Lock()
	s.lastRun = now
	s.lastStat = stats
	s.mu.Unlock()
	return stats, nil
}

// LastRun reports when the last successful sweep finished and what it removed.
func (s *Sweeper) LastRun() (time.Time, ledger.DeleteStats) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun, s.lastStat
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	stats, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Warn("retention sweep failed", "err", err)
		return
	}
	level := slog.LevelDebug
	if stats.Total() > 0 {
		level = slog.LevelInfo
	}
	s.logger.Log(ctx, level, "retention sweep complete",
		"metrics", stats.Metrics,
		"snapshots", stats.Snapshots,
		"processes", stats.Processes,
	)
}
