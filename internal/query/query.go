// Package query answers read-side questions about the ledger. Every query
// degrades to an empty, non-nil result when the ledger cannot be read.
package query

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/skobkin/nvgputop-web/internal/ledger"
)

const (
	DefaultActiveWindow = 10 * time.Second
	DefaultHistoryLimit = 100
	DefaultRetention    = 259200 * time.Second
)

// Store is the subset of the ledger the query layer reads.
type Store interface {
	Processes(ctx context.Context) ([]ledger.ProcessRecord, error)
	ProcessesSeenAfter(ctx context.Context, cutoff int64) ([]ledger.ProcessRecord, error)
	LatestSnapshot(ctx context.Context, pid int) (ledger.SnapshotRecord, error)
	MetricsSince(ctx context.Context, cutoff int64) ([]ledger.MetricSample, error)
}

// ActiveProcess is a process seen within the active window with its most
// recent memory reading.
type ActiveProcess struct {
	ledger.ProcessRecord
	Memory int64 `json:"memory"`
}

// HistoryEntry is a process record with its lifetime in seconds.
type HistoryEntry struct {
	ledger.ProcessRecord
	Lifetime int64 `json:"lifetime"`
}

// Service runs queries against a Store.
type Service struct {
	store  Store
	logger *slog.Logger
}

// New constructs a query service.
func New(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{store: store, logger: logger.With("component", "query")}
}

// ActiveProcesses returns processes with last_seen strictly after
// now-window, newest first.
func (s *Service) ActiveProcesses(ctx context.Context, now time.Time, window time.Duration) []ActiveProcess {
	if window <= 0 {
		window = DefaultActiveWindow
	}
	cutoff := now.Add(-window).Unix()

	records, err := s.store.ProcessesSeenAfter(ctx, cutoff)
	if err != nil {
		s.logger.Warn("active process query failed", "err", err)
		return []ActiveProcess{}
	}

	out := make([]ActiveProcess, 0, len(records))
	for _, rec := range records {
		entry := ActiveProcess{ProcessRecord: rec, Memory: rec.MaxMemory}
		snap, err := s.store.LatestSnapshot(ctx, rec.PID)
		switch {
		case err == nil && snap.Timestamp > cutoff:
			entry.Memory = snap.MemoryUsage
		case err != nil && !errors.Is(err, ledger.ErrNotFound):
			s.logger.Debug("latest snapshot lookup failed", "pid", rec.PID, "err", err)
		}
		out = append(out, entry)
	}
	return out
}

// ProcessHistory returns up to limit processes, most recently seen first.
func (s *Service) ProcessHistory(ctx context.Context, limit int) []HistoryEntry {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	records, err := s.store.Processes(ctx)
	if err != nil {
		s.logger.Warn("process history query failed", "err", err)
		return []HistoryEntry{}
	}
	if len(records) > limit {
		records = records[:limit]
	}

	out := make([]HistoryEntry, 0, len(records))
	for _, rec := range records {
		out = append(out, HistoryEntry{ProcessRecord: rec, Lifetime: rec.LastSeen - rec.FirstSeen})
	}
	return out
}

// MetricHistory returns samples newer than now-retention in time order.
func (s *Service) MetricHistory(ctx context.Context, now time.Time, retention time.Duration) []ledger.MetricSample {
	if retention <= 0 {
		retention = DefaultRetention
	}

	samples, err := s.store.MetricsSince(ctx, now.Add(-retention).Unix())
	if err != nil {
		s.logger.Warn("metric history query failed", "err", err)
		return []ledger.MetricSample{}
	}
	if samples == nil {
		return []ledger.MetricSample{}
	}
	return samples
}
