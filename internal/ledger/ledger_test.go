package ledger

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestFoldFirstObservation(t *testing.T) {
	rec := Fold(nil, Observation{PID: 42, Name: "python", Memory: 512}, 1000)

	assert.Equal(t, ProcessRecord{
		PID: 42, Name: "python", FirstSeen: 1000, LastSeen: 1000,
		MaxMemory: 512, AvgMemory: 512, SampleCount: 1,
	}, rec)
}

func TestFoldMeanAndMax(t *testing.T) {
	var rec *ProcessRecord
	mems := []int64{100, 300, 200, 400}
	for i, m := range mems {
		next := Fold(rec, Observation{PID: 7, Name: "train", Memory: m}, int64(10+i))
		rec = &next
	}

	assert.Equal(t, int64(4), rec.SampleCount)
	assert.Equal(t, int64(400), rec.MaxMemory)
	assert.InDelta(t, 250.0, rec.AvgMemory, 1e-9)
	assert.Equal(t, int64(10), rec.FirstSeen)
	assert.Equal(t, int64(13), rec.LastSeen)
}

func TestFoldOrderIndependentAggregates(t *testing.T) {
	forward := []int64{5, 1, 9, 3}
	backward := []int64{3, 9, 1, 5}

	run := func(mems []int64) ProcessRecord {
		var rec *ProcessRecord
		for i, m := range mems {
			next := Fold(rec, Observation{PID: 1, Name: "x", Memory: m}, int64(i))
			rec = &next
		}
		return *rec
	}

	a, b := run(forward), run(backward)
	assert.Equal(t, a.MaxMemory, b.MaxMemory)
	assert.InDelta(t, a.AvgMemory, b.AvgMemory, 1e-9)
	assert.Equal(t, a.SampleCount, b.SampleCount)
}

func TestFoldOverwritesName(t *testing.T) {
	first := Fold(nil, Observation{PID: 3, Name: "python", Memory: 1}, 1)
	second := Fold(&first, Observation{PID: 3, Name: "python3 train.py", Memory: 1}, 2)
	assert.Equal(t, "python3 train.py", second.Name)
}

func TestFoldNeverMovesLastSeenBackwards(t *testing.T) {
	first := Fold(nil, Observation{PID: 3, Name: "a", Memory: 1}, 50)
	second := Fold(&first, Observation{PID: 3, Name: "a", Memory: 1}, 40)
	assert.Equal(t, int64(50), second.LastSeen)
	assert.Equal(t, int64(50), second.FirstSeen)
}

func TestRecordPersistsAggregateAndSnapshot(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)

	_, err := l.Record(ctx, Observation{PID: 100, Name: "a", Memory: 1000}, 1000, 0)
	require.NoError(t, err)
	rec, err := l.Record(ctx, Observation{PID: 100, Name: "a", Memory: 3000}, 1004, 0)
	require.NoError(t, err)

	assert.Equal(t, int64(2), rec.SampleCount)
	assert.InDelta(t, 2000.0, rec.AvgMemory, 1e-9)

	stored, err := l.Process(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, rec, stored)

	snap, err := l.LatestSnapshot(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, SnapshotRecord{Timestamp: 1004, PID: 100, Name: "a", MemoryUsage: 3000}, snap)

	snaps, err := l.SnapshotsSince(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}

func TestRecordRejectsNonPositivePID(t *testing.T) {
	l := openTestLedger(t)
	_, err := l.Record(context.Background(), Observation{PID: 0, Name: "x"}, 1, 0)
	assert.ErrorIs(t, err, ErrInvalidPID)
}

func TestDuplicatePIDWithinPollKeepsBothSnapshots(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)

	_, err := l.Record(ctx, Observation{PID: 9, Name: "dup", Memory: 10}, 500, 0)
	require.NoError(t, err)
	_, err = l.Record(ctx, Observation{PID: 9, Name: "dup", Memory: 30}, 500, 1)
	require.NoError(t, err)

	rec, err := l.Process(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.SampleCount)

	snaps, err := l.SnapshotsSince(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)

	latest, err := l.LatestSnapshot(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(30), latest.MemoryUsage)
}

func TestProcessNotFound(t *testing.T) {
	l := openTestLedger(t)
	_, err := l.Process(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = l.LatestSnapshot(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLatestSnapshotIgnoresOtherPIDs(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)

	require.NoError(t, l.AppendSnapshot(ctx, SnapshotRecord{Timestamp: 10, PID: 1, MemoryUsage: 1}, 0))
	require.NoError(t, l.AppendSnapshot(ctx, SnapshotRecord{Timestamp: 99, PID: 2, MemoryUsage: 2}, 0))
	require.NoError(t, l.AppendSnapshot(ctx, SnapshotRecord{Timestamp: 20, PID: 1, MemoryUsage: 3}, 0))

	snap, err := l.LatestSnapshot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(20), snap.Timestamp)
	assert.Equal(t, int64(3), snap.MemoryUsage)
}

func TestProcessesSeenAfterOrdering(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)

	for _, r := range []struct {
		pid int
		ts  int64
	}{{5, 100}, {3, 200}, {4, 200}, {1, 50}} {
		_, err := l.Fold(ctx, Observation{PID: r.pid, Name: "p", Memory: 1}, r.ts)
		require.NoError(t, err)
	}

	recs, err := l.ProcessesSeenAfter(ctx, 50)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []int{3, 4, 5}, []int{recs[0].PID, recs[1].PID, recs[2].PID})

	all, err := l.Processes(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestMetricsSinceStrictCutoffAscending(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)

	temp := 60.0
	for _, ts := range []int64{30, 10, 20} {
		require.NoError(t, l.AppendMetric(ctx, MetricSample{Timestamp: ts, GPU: 0, Temperature: &temp}))
	}
	require.NoError(t, l.AppendMetric(ctx, MetricSample{Timestamp: 20, GPU: 1}))

	samples, err := l.MetricsSince(ctx, 10)
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.Equal(t, int64(20), samples[0].Timestamp)
	assert.Equal(t, 0, samples[0].GPU)
	assert.Equal(t, 1, samples[1].GPU)
	assert.Equal(t, int64(30), samples[2].Timestamp)
	require.NotNil(t, samples[2].Temperature)
	assert.Equal(t, 60.0, *samples[2].Temperature)
}

func TestDeleteOlderThanBoundary(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	const cutoff = 1000

	_, err := l.Record(ctx, Observation{PID: 1, Name: "old", Memory: 1}, cutoff-1, 0)
	require.NoError(t, err)
	_, err = l.Record(ctx, Observation{PID: 2, Name: "edge", Memory: 1}, cutoff, 0)
	require.NoError(t, err)
	require.NoError(t, l.AppendMetric(ctx, MetricSample{Timestamp: cutoff - 1}))
	require.NoError(t, l.AppendMetric(ctx, MetricSample{Timestamp: cutoff}))

	stats, err := l.DeleteOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, DeleteStats{Metrics: 1, Snapshots: 1, Processes: 1}, stats)

	_, err = l.Process(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = l.LatestSnapshot(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	edge, err := l.Process(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(cutoff), edge.LastSeen)

	metrics, err := l.MetricsSince(ctx, 0)
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, int64(cutoff), metrics[0].Timestamp)
}

func TestDeleteKeepsProcessWithRecentActivity(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)

	_, err := l.Record(ctx, Observation{PID: 1, Name: "long", Memory: 1}, 10, 0)
	require.NoError(t, err)
	_, err = l.Record(ctx, Observation{PID: 1, Name: "long", Memory: 2}, 500, 0)
	require.NoError(t, err)

	stats, err := l.DeleteOlderThan(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Snapshots)
	assert.Equal(t, 0, stats.Processes)

	rec, err := l.Process(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), rec.FirstSeen)
}

func TestPIDReappearingAfterDeletionStartsFresh(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)

	_, err := l.Record(ctx, Observation{PID: 77, Name: "old", Memory: 900}, 10, 0)
	require.NoError(t, err)
	_, err = l.DeleteOlderThan(ctx, 100)
	require.NoError(t, err)

	rec, err := l.Record(ctx, Observation{PID: 77, Name: "new", Memory: 5}, 200, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.SampleCount)
	assert.Equal(t, int64(200), rec.FirstSeen)
	assert.Equal(t, int64(5), rec.MaxMemory)
}

func TestDeleteOlderThanSpansChunks(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)

	n := deleteChunkSize + 25
	for i := 0; i < n; i++ {
		require.NoError(t, l.AppendMetric(ctx, MetricSample{Timestamp: int64(i), GPU: 0}))
	}

	stats, err := l.DeleteOlderThan(ctx, int64(n))
	require.NoError(t, err)
	assert.Equal(t, n, stats.Metrics)

	left, err := l.MetricsSince(ctx, -1)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestConcurrentFoldsSamePID(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)

	const workers = 4
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Fold(ctx, Observation{PID: 11, Name: "race", Memory: int64(i + 1)}, int64(100+i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		}
	}

	rec, err := l.Process(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, int64(succeeded), rec.SampleCount)
}

func TestSameSecondPollsKeepEveryRow(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)

	for i := 0; i < 2; i++ {
		_, err := l.Record(ctx, Observation{PID: 9, Name: "fast", Memory: int64(100 * (i + 1))}, 1000, 0)
		require.NoError(t, err)
		require.NoError(t, l.AppendMetric(ctx, MetricSample{Timestamp: 1000, GPU: 0}))
	}

	rec, err := l.Process(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.SampleCount)

	snaps, err := l.SnapshotsSince(ctx, 0)
	require.NoError(t, err)
	require.Len(t, snaps, int(rec.SampleCount))
	assert.Equal(t, int64(100), snaps[0].MemoryUsage)
	assert.Equal(t, int64(200), snaps[1].MemoryUsage)

	metrics, err := l.MetricsSince(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, metrics, 2)

	stats, err := l.DeleteOlderThan(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, DeleteStats{Metrics: 2, Snapshots: 2, Processes: 1}, stats)
	_, err = l.LatestSnapshot(ctx, 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepDuringFoldsKeepsLiveProcesses(t *testing.T) {
	ctx := context.Background()
	const (
		pids  = 200
		stale = 10
		now   = 1000
	)

	for round := 0; round < 5; round++ {
		l := openTestLedger(t)
		for pid := 1; pid <= pids; pid++ {
			_, err := l.Record(ctx, Observation{PID: pid, Name: "old", Memory: 10}, stale, 0)
			require.NoError(t, err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		var sweepErr error
		recordErrs := make([]error, pids+1)
		go func() {
			defer wg.Done()
			_, sweepErr = l.DeleteOlderThan(ctx, now-100)
		}()
		go func() {
			defer wg.Done()
			for pid := 1; pid <= pids; pid++ {
				_, recordErrs[pid] = l.Record(ctx, Observation{PID: pid, Name: "live", Memory: 20}, now, 0)
			}
		}()
		wg.Wait()

		if sweepErr != nil {
			assert.ErrorIs(t, sweepErr, badger.ErrConflict)
		}
		for pid := 1; pid <= pids; pid++ {
			require.NoError(t, recordErrs[pid], "pid %d", pid)

			rec, err := l.Process(ctx, pid)
			require.NoError(t, err, "pid %d", pid)
			assert.Equal(t, int64(now), rec.LastSeen, "pid %d", pid)
			assert.Equal(t, "live", rec.Name)
			assert.Equal(t, int64(20), rec.MaxMemory)
			switch rec.FirstSeen {
			case stale:
				assert.Equal(t, int64(2), rec.SampleCount, "pid %d", pid)
				assert.InDelta(t, 15.0, rec.AvgMemory, 1e-9)
			case now:
				assert.Equal(t, int64(1), rec.SampleCount, "pid %d", pid)
				assert.InDelta(t, 20.0, rec.AvgMemory, 1e-9)
			default:
				t.Fatalf("pid %d: unexpected first_seen %d", pid, rec.FirstSeen)
			}

			snap, err := l.LatestSnapshot(ctx, pid)
			require.NoError(t, err)
			assert.Equal(t, int64(now), snap.Timestamp)
		}
	}
}

func TestReclaimInMemoryIsNoop(t *testing.T) {
	l := openTestLedger(t)
	assert.NoError(t, l.Reclaim())
}

func TestOpenOnDiskPersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	l, err := Open(Config{Path: dir})
	require.NoError(t, err)
	_, err = l.Record(ctx, Observation{PID: 5, Name: "disk", Memory: 64}, 123, 0)
	require.NoError(t, err)
	require.NoError(t, l.Reclaim())
	require.NoError(t, l.Close())

	reopened, err := Open(Config{Path: dir})
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.Process(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "disk", rec.Name)
}

func TestOpenWithoutLoggerDiscards(t *testing.T) {
	l := openTestLedger(t)

	require.NotNil(t, l.logger)
	_, ok := l.logger.Handler().(*slog.TextHandler)
	assert.True(t, ok, "expected a text handler, got %T", l.logger.Handler())
	assert.False(t, l.logger.Enabled(context.Background(), slog.LevelDebug))
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}
