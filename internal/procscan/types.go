package procscan

import (
	"context"
	"errors"

	"github.com/skobkin/nvgputop-web/internal/ledger"
)

// ErrSourceUnavailable means neither the process monitor nor the status dump
// could be read. The poll records nothing.
var ErrSourceUnavailable = errors.New("process source unavailable")

// Source yields the raw text of the three process listings.
type Source interface {
	ComputeApps(ctx context.Context) (string, error)
	ProcessMonitor(ctx context.Context) (string, error)
	StatusDump(ctx context.Context) (string, error)
}

// Recorder folds an observation and appends its snapshot atomically.
type Recorder interface {
	Record(ctx context.Context, obs ledger.Observation, ts int64, ordinal uint32) (ledger.ProcessRecord, error)
}

// NameResolver looks up a process name when the source reported none.
type NameResolver interface {
	ResolveName(ctx context.Context, pid int) (string, error)
}

// Path names the acquisition route a poll took.
type Path string

const (
	PathNone     Path = "none"
	PathPrimary  Path = "primary"
	PathFallback Path = "fallback"
)

// Result summarises one reconciliation.
type Result struct {
	Path     Path `json:"path"`
	Raw      int  `json:"raw"`
	Valid    int  `json:"valid"`
	Rejected int  `json:"rejected"`
	Recorded int  `json:"recorded"`
	Failed   int  `json:"failed"`
}

// Counters are cumulative engine totals since start.
type Counters struct {
	Polls             uint64
	SourceUnavailable uint64
	Recorded          uint64
	Rejected          uint64
	Failed            uint64
}
