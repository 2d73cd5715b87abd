package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skobkin/nvgputop-web/internal/export"
	"github.com/skobkin/nvgputop-web/internal/ledger"
	"github.com/skobkin/nvgputop-web/internal/procscan"
)

// Stats is the live view fanned out after every cycle.
type Stats = export.StatsDocument

// MetricSampler produces one sample per GPU.
type MetricSampler interface {
	Sample(ctx context.Context, now time.Time) ([]ledger.MetricSample, error)
}

// MetricStore persists GPU samples.
type MetricStore interface {
	AppendMetric(ctx context.Context, sample ledger.MetricSample) error
}

// Reconciler records one process poll.
type Reconciler interface {
	Reconcile(ctx context.Context, now time.Time) (procscan.Result, error)
}

// Publisher builds and writes the published documents.
type Publisher interface {
	Stats(ctx context.Context, now time.Time, gpus []ledger.MetricSample) export.StatsDocument
	Export(ctx context.Context, now time.Time, gpus []ledger.MetricSample) error
}

// Options configures the Manager.
type Options struct {
	Interval    time.Duration
	ExportEvery int
}

// CycleStatus describes the scheduler's progress.
type CycleStatus struct {
	Ticks      uint64
	LastCycle  time.Time
	LastExport time.Time
	LastErr    error
	LastResult procscan.Result
}

// cycleState is owned by the Run goroutine and copied out under mu.
type cycleState struct {
	ticks      uint64
	lastCycle  time.Time
	lastExport time.Time
	lastErr    error
	lastResult procscan.Result
}

// Manager runs the single writer loop: metrics poll, process
// reconciliation and periodic export, strictly in sequence. It caches the
// latest Stats and fans them out to subscribers.
type Manager struct {
	opts      Options
	sampler   MetricSampler
	store     MetricStore
	engine    Reconciler
	publisher Publisher
	logger    *slog.Logger

	mu          sync.RWMutex
	state       cycleState
	latest      Stats
	hasLatest   bool
	subscribers map[*subscriber]struct{}
	closeOnce   sync.Once
}

// NewManager validates options and wires the cycle stages.
func NewManager(opts Options, sampler MetricSampler, store MetricStore, engine Reconciler, publisher Publisher, logger *slog.Logger) (*Manager, error) {
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if opts.ExportEvery <= 0 {
		return nil, fmt.Errorf("export cadence must be > 0")
	}
	if sampler == nil || store == nil || engine == nil || publisher == nil {
		return nil, errors.New("sampler, store, engine and publisher are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:        opts,
		sampler:     sampler,
		store:       store,
		engine:      engine,
		publisher:   publisher,
		logger:      logger.With("component", "sampler_manager"),
		subscribers: make(map[*subscriber]struct{}),
	}, nil
}

// Run executes a cycle immediately and then on every tick until ctx is
// cancelled. A slow cycle delays the next one; cycles never overlap.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("sampler started", "interval", m.opts.Interval, "export_every", m.opts.ExportEvery)
	m.Cycle(ctx, time.Now())

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("sampler stopping", "reason", ctx.Err())
			m.Close()
			return nil
		case now := <-ticker.C:
			m.Cycle(ctx, now)
		}
	}
}

// Cycle runs one metrics poll, reconciliation and, on the export cadence,
// an export. Stage failures are logged and never abort the cycle.
func (m *Manager) Cycle(ctx context.Context, now time.Time) Stats {
	var cycleErrs []error

	samples, err := m.sampler.Sample(ctx, now)
	if err != nil {
		m.logger.Warn("gpu metrics poll failed", "err", err)
		cycleErrs = append(cycleErrs, err)
	}
	for _, sample := range samples {
		if err := m.store.AppendMetric(ctx, sample); err != nil {
			m.logger.Warn("failed to store gpu sample", "gpu", sample.GPU, "err", err)
			cycleErrs = append(cycleErrs, err)
		}
	}

	result, err := m.engine.Reconcile(ctx, now)
	if err != nil {
		m.logger.Warn("process poll skipped", "err", err)
		cycleErrs = append(cycleErrs, err)
	}

	m.mu.Lock()
	m.state.ticks++
	ticks := m.state.ticks
	m.mu.Unlock()

	var exported bool
	if (ticks-1)%uint64(m.opts.ExportEvery) == 0 {
		if err := m.publisher.Export(ctx, now, samples); err != nil {
			cycleErrs = append(cycleErrs, err)
		} else {
			exported = true
		}
	}

	stats := m.publisher.Stats(ctx, now, samples)

	m.mu.Lock()
	m.state.lastCycle = now
	m.state.lastErr = errors.Join(cycleErrs...)
	m.state.lastResult = result
	if exported {
		m.state.lastExport = now
	}
	m.latest = stats
	m.hasLatest = true
	subs := make([]*subscriber, 0, len(m.subscribers))
	for sub := range m.subscribers {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.send(stats)
	}

	m.logger.Debug("cycle complete",
		"tick", ticks,
		"gpus", len(samples),
		"processes", len(stats.Processes),
		"path", result.Path,
		"exported", exported,
	)
	return stats
}

// Latest returns the stats produced by the most recent cycle.
func (m *Manager) Latest() (Stats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.hasLatest
}

// Status reports scheduler progress.
func (m *Manager) Status() CycleStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return CycleStatus{
		Ticks:      m.state.ticks,
		LastCycle:  m.state.lastCycle,
		LastExport: m.state.lastExport,
		LastErr:    m.state.lastErr,
		LastResult: m.state.lastResult,
	}
}

// Ready reports whether at least one cycle has completed.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hasLatest
}

// Subscribe registers a listener for stats updates. The latest stats, if
// any, are delivered immediately.
func (m *Manager) Subscribe() (<-chan Stats, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subscribers == nil {
		return nil, nil, errors.New("sampler closed")
	}

	sub := newSubscriber()
	m.subscribers[sub] = struct{}{}
	if m.hasLatest {
		sub.send(m.latest)
	}

	return sub.channel(), func() { m.removeSubscriber(sub) }, nil
}

func (m *Manager) removeSubscriber(sub *subscriber) {
	m.mu.Lock()
	delete(m.subscribers, sub)
	m.mu.Unlock()
	sub.close()
}

// Close disconnects every subscriber. Safe for repeated use.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		subs := m.subscribers
		m.subscribers = nil
		m.mu.Unlock()
		for sub := range subs {
			sub.close()
		}
	})
}

type subscriber struct {
	ch     chan Stats
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{
		ch: make(chan Stats, 1),
	}
}

func (s *subscriber) channel() <-chan Stats {
	return s.ch
}

func (s *subscriber) send(stats Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- stats:
		return
	default:
		// Drop oldest to make room for the new stats.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- stats:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
