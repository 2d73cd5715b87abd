package export

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/skobkin/nvgputop-web/internal/ledger"
	"github.com/skobkin/nvgputop-web/internal/query"
)

// Published file names.
const (
	StatsFile          = "gpu-stats.json"
	HistoryFile        = "gpu-history.json"
	ProcessHistoryFile = "gpu-process-history.json"
)

// StatsDocument is the current-state document.
type StatsDocument struct {
	Timestamp int64                 `json:"timestamp"`
	GPUs      []ledger.MetricSample `json:"gpus"`
	Processes []query.ActiveProcess `json:"processes"`
}

// Options tune the windows used when building documents.
type Options struct {
	ActiveWindow time.Duration
	HistoryLimit int
	Retention    time.Duration
}

// Exporter builds the three documents from the query layer and publishes
// them.
type Exporter struct {
	queries   *query.Service
	publisher *Publisher
	opts      Options
	logger    *slog.Logger
}

// NewExporter wires an exporter.
func NewExporter(queries *query.Service, publisher *Publisher, opts Options, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Exporter{
		queries:   queries,
		publisher: publisher,
		opts:      opts,
		logger:    logger.With("component", "export"),
	}
}

// Stats builds the current-state document around the supplied samples.
func (e *Exporter) Stats(ctx context.Context, now time.Time, gpus []ledger.MetricSample) StatsDocument {
	if gpus == nil {
		gpus = []ledger.MetricSample{}
	}
	return StatsDocument{
		Timestamp: now.Unix(),
		GPUs:      gpus,
		Processes: e.queries.ActiveProcesses(ctx, now, e.opts.ActiveWindow),
	}
}

// Export publishes all documents. A failing document does not stop the
// others; the joined error names every failure.
func (e *Exporter) Export(ctx context.Context, now time.Time, gpus []ledger.MetricSample) error {
	history := e.queries.MetricHistory(ctx, now, e.opts.Retention)
	if gpus == nil {
		gpus = LatestSamples(history)
	}

	docs := []struct {
		name string
		v    any
	}{
		{StatsFile, e.Stats(ctx, now, gpus)},
		{HistoryFile, history},
		{ProcessHistoryFile, e.queries.ProcessHistory(ctx, e.opts.HistoryLimit)},
	}

	var errs []error
	for _, doc := range docs {
		if err := e.publisher.PublishJSON(doc.name, doc.v); err != nil {
			e.logger.Warn("export failed, keeping previous document", "file", doc.name, "err", err)
			errs = append(errs, err)
			continue
		}
		e.logger.Debug("document published", "file", doc.name)
	}
	return errors.Join(errs...)
}

// LatestSamples returns the samples sharing the newest timestamp.
func LatestSamples(samples []ledger.MetricSample) []ledger.MetricSample {
	if len(samples) == 0 {
		return []ledger.MetricSample{}
	}
	newest := samples[0].Timestamp
	for _, s := range samples {
		if s.Timestamp > newest {
			newest = s.Timestamp
		}
	}
	out := make([]ledger.MetricSample, 0, 4)
	for _, s := range samples {
		if s.Timestamp == newest {
			out = append(out, s)
		}
	}
	return out
}
