package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
)

// Fold merges obs, observed at ts, into the pid's aggregate and returns the
// stored result.
func (l *Ledger) Fold(ctx context.Context, obs Observation, ts int64) (ProcessRecord, error) {
	if obs.PID <= 0 {
		return ProcessRecord{}, ErrInvalidPID
	}
	var out ProcessRecord
	err := l.update(ctx, func(txn *badger.Txn) error {
		rec, err := foldTxn(txn, obs, ts)
		out = rec
		return err
	})
	if err != nil {
		return ProcessRecord{}, fmt.Errorf("fold pid %d: %w", obs.PID, err)
	}
	return out, nil
}

// Record folds obs into its aggregate and appends the matching snapshot in a
// single transaction. ordinal distinguishes repeated pids within one poll.
func (l *Ledger) Record(ctx context.Context, obs Observation, ts int64, ordinal uint32) (ProcessRecord, error) {
	if obs.PID <= 0 {
		return ProcessRecord{}, ErrInvalidPID
	}
	snap := SnapshotRecord{Timestamp: ts, PID: obs.PID, Name: obs.Name, MemoryUsage: obs.Memory}

	var out ProcessRecord
	err := l.update(ctx, func(txn *badger.Txn) error {
		rec, err := foldTxn(txn, obs, ts)
		if err != nil {
			return err
		}
		if err := putSnapshot(txn, snap, ordinal); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return ProcessRecord{}, fmt.Errorf("record pid %d: %w", obs.PID, err)
	}
	return out, nil
}

func foldTxn(txn *badger.Txn, obs Observation, ts int64) (ProcessRecord, error) {
	key := processKey(obs.PID)

	var existing *ProcessRecord
	item, err := txn.Get(key)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return ProcessRecord{}, err
	default:
		var rec ProcessRecord
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return ProcessRecord{}, fmt.Errorf("decode process record: %w", err)
		}
		existing = &rec
	}

	next := Fold(existing, obs, ts)
	data, err := json.Marshal(next)
	if err != nil {
		return ProcessRecord{}, err
	}
	if err := txn.Set(key, data); err != nil {
		return ProcessRecord{}, err
	}
	return next, nil
}

// Process returns the aggregate for pid or ErrNotFound.
func (l *Ledger) Process(ctx context.Context, pid int) (ProcessRecord, error) {
	var rec ProcessRecord
	err := l.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(processKey(pid))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return ProcessRecord{}, err
	}
	return rec, nil
}

// Processes returns every aggregate ordered by last_seen descending, then pid.
func (l *Ledger) Processes(ctx context.Context) ([]ProcessRecord, error) {
	return l.collectProcesses(ctx, func(ProcessRecord) bool { return true })
}

// ProcessesSeenAfter returns aggregates whose last_seen is strictly after
// cutoff, ordered by last_seen descending, then pid.
func (l *Ledger) ProcessesSeenAfter(ctx context.Context, cutoff int64) ([]ProcessRecord, error) {
	return l.collectProcesses(ctx, func(rec ProcessRecord) bool { return rec.LastSeen > cutoff })
}

func (l *Ledger) collectProcesses(ctx context.Context, keep func(ProcessRecord) bool) ([]ProcessRecord, error) {
	out := make([]ProcessRecord, 0)
	err := l.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixProcess
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec ProcessRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode process record: %w", err)
			}
			if keep(rec) {
				out = append(out, rec)
			}
		}
		return nil
	})
	if err != nil {
		return make([]ProcessRecord, 0), fmt.Errorf("list processes: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastSeen != out[j].LastSeen {
			return out[i].LastSeen > out[j].LastSeen
		}
		return out[i].PID < out[j].PID
	})
	return out, nil
}
