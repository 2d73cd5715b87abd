package procscan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/skobkin/nvgputop-web/internal/ledger"
)

const unknownName = "unknown"

// Engine turns one source poll into ledger folds and snapshots.
type Engine struct {
	source   Source
	recorder Recorder
	names    NameResolver
	logger   *slog.Logger

	polls       atomic.Uint64
	unavailable atomic.Uint64
	recorded    atomic.Uint64
	rejected    atomic.Uint64
	failed      atomic.Uint64
}

// NewEngine wires an engine. names may be nil.
func NewEngine(source Source, recorder Recorder, names NameResolver, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		source:   source,
		recorder: recorder,
		names:    names,
		logger:   logger.With("component", "procscan"),
	}
}

// Observe polls the source and returns validated observations in source
// order without writing anything.
func (e *Engine) Observe(ctx context.Context) ([]ledger.Observation, Result, error) {
	rows, path, err := e.acquire(ctx)
	result := Result{Path: path, Raw: len(rows)}
	if err != nil {
		return nil, result, err
	}

	observations := make([]ledger.Observation, 0, len(rows))
	for _, row := range rows {
		obs, err := validate(row)
		if err != nil {
			result.Rejected++
			e.logger.Debug("skipping process row", "path", path, "err", err)
			continue
		}
		if obs.Name == "" {
			obs.Name = e.resolveName(ctx, obs.PID)
		}
		observations = append(observations, obs)
	}
	result.Valid = len(observations)
	return observations, result, nil
}

// Reconcile polls the source and records every valid observation at now.
// Repeated pids within the poll are each recorded, in order.
func (e *Engine) Reconcile(ctx context.Context, now time.Time) (Result, error) {
	e.polls.Add(1)

	observations, result, err := e.Observe(ctx)
	e.rejected.Add(uint64(result.Rejected))
	if err != nil {
		e.unavailable.Add(1)
		return result, err
	}

	ts := now.Unix()
	ordinals := make(map[int]uint32, len(observations))
	for _, obs := range observations {
		ordinal := ordinals[obs.PID]
		ordinals[obs.PID] = ordinal + 1

		if _, err := e.recorder.Record(ctx, obs, ts, ordinal); err != nil {
			result.Failed++
			e.logger.Warn("failed to record process observation", "pid", obs.PID, "err", err)
			continue
		}
		result.Recorded++
	}

	e.recorded.Add(uint64(result.Recorded))
	e.failed.Add(uint64(result.Failed))
	e.logger.Debug("reconciled process poll",
		"path", result.Path,
		"raw", result.Raw,
		"valid", result.Valid,
		"rejected", result.Rejected,
		"recorded", result.Recorded,
		"failed", result.Failed,
	)
	return result, nil
}

// Counters reports cumulative totals.
func (e *Engine) Counters() Counters {
	return Counters{
		Polls:             e.polls.Load(),
		SourceUnavailable: e.unavailable.Load(),
		Recorded:          e.recorded.Load(),
		Rejected:          e.rejected.Load(),
		Failed:            e.failed.Load(),
	}
}

// acquire applies the path priority: monitor rows first, then the status
// dump table. A monitor that answered with no rows defers to the dump, which
// may confirm there are no processes at all.
func (e *Engine) acquire(ctx context.Context) ([]rawRow, Path, error) {
	pmon, pmonErr := e.source.ProcessMonitor(ctx)
	dump, dumpErr := e.source.StatusDump(ctx)
	if pmonErr != nil && dumpErr != nil {
		return nil, PathNone, fmt.Errorf("%w: %w", ErrSourceUnavailable, errors.Join(pmonErr, dumpErr))
	}

	if pmonErr == nil {
		apps, appsErr := e.source.ComputeApps(ctx)
		if appsErr != nil {
			e.logger.Debug("compute app listing unavailable", "err", appsErr)
			apps = ""
		}
		if rows := parsePrimary(pmon, apps, dump); len(rows) > 0 {
			return rows, PathPrimary, nil
		}
		if dumpErr != nil {
			return nil, PathPrimary, nil
		}
	} else {
		e.logger.Debug("process monitor unavailable", "err", pmonErr)
	}

	return parseFallback(dump), PathFallback, nil
}

func (e *Engine) resolveName(ctx context.Context, pid int) string {
	if e.names == nil {
		return unknownName
	}
	name, err := e.names.ResolveName(ctx, pid)
	if err != nil || name == "" {
		e.logger.Debug("process name unresolved", "pid", pid, "err", err)
		return unknownName
	}
	return name
}
