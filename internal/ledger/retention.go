package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// DeleteOlderThan removes metric samples, snapshots and process records whose
// timestamp (last_seen for processes) is strictly before cutoff. Deletes are
// committed in chunks so large backlogs stay under badger's transaction limit.
func (l *Ledger) DeleteOlderThan(ctx context.Context, cutoff int64) (DeleteStats, error) {
	var stats DeleteStats
	var err error

	stats.Metrics, err = l.deleteTimeRange(ctx, prefixMetric, cutoff, nil)
	if err != nil {
		return stats, fmt.Errorf("delete metrics: %w", err)
	}

	stats.Snapshots, err = l.deleteTimeRange(ctx, prefixSnapshot, cutoff, snapshotIndexKey)
	if err != nil {
		return stats, fmt.Errorf("delete snapshots: %w", err)
	}

	stats.Processes, err = l.deleteStaleProcesses(ctx, cutoff)
	if err != nil {
		return stats, fmt.Errorf("delete processes: %w", err)
	}

	return stats, nil
}

// deleteTimeRange drops keys of a time-ordered prefix older than cutoff.
// companion, when set, maps each key to a second key removed alongside it.
func (l *Ledger) deleteTimeRange(ctx context.Context, prefix []byte, cutoff int64, companion func([]byte) []byte) (int, error) {
	total := 0
	for {
		var batch [][]byte
		err := l.view(ctx, func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid() && len(batch) < deleteChunkSize; it.Next() {
				key := it.Item().KeyCopy(nil)
				ts, ok := keyTimestamp(key, prefix)
				if ok && ts >= cutoff {
					break
				}
				batch = append(batch, key)
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}

		err = l.update(ctx, func(txn *badger.Txn) error {
			for _, key := range batch {
				if err := txn.Delete(key); err != nil {
					return err
				}
				if companion == nil {
					continue
				}
				if extra := companion(key); extra != nil {
					if err := txn.Delete(extra); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		total += len(batch)

		if len(batch) < deleteChunkSize {
			return total, nil
		}
	}
}

// deleteStaleProcesses checks and deletes in the same transaction so a fold
// racing with the sweep forces a conflict and a re-check.
func (l *Ledger) deleteStaleProcesses(ctx context.Context, cutoff int64) (int, error) {
	total := 0
	for {
		var deleted int
		var more bool
		err := l.update(ctx, func(txn *badger.Txn) error {
			deleted, more = 0, false

			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefixProcess
			it := txn.NewIterator(opts)
			var stale [][]byte
			for it.Rewind(); it.Valid(); it.Next() {
				var rec ProcessRecord
				item := it.Item()
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &rec)
				}); err != nil {
					it.Close()
					return fmt.Errorf("decode process record: %w", err)
				}
				if rec.LastSeen >= cutoff {
					continue
				}
				stale = append(stale, item.KeyCopy(nil))
				if len(stale) == deleteChunkSize {
					more = true
					break
				}
			}
			it.Close()

			for _, key := range stale {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			deleted = len(stale)
			return nil
		})
		if err != nil {
			return total, err
		}
		total += deleted
		if !more {
			return total, nil
		}
	}
}

// snapshotIndexKey maps s/<ts><pid><ord> to l/<pid><ts><ord>.
func snapshotIndexKey(key []byte) []byte {
	body := key[len(prefixSnapshot):]
	if len(body) != 20 {
		return nil
	}
	ts := int64(binary.BigEndian.Uint64(body[0:8]))
	pid := int(binary.BigEndian.Uint64(body[8:16]))
	ordinal := binary.BigEndian.Uint32(body[16:20])
	return pidIndexKey(pid, ts, ordinal)
}

// Reclaim rewrites value log files until badger reports nothing left to
// reclaim. In-memory ledgers have no value log.
func (l *Ledger) Reclaim() error {
	if l.inMemory {
		return nil
	}
	for {
		err := l.db.RunValueLogGC(gcDiscardRatio)
		switch {
		case err == nil:
			continue
		case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrRejected):
			return nil
		default:
			return fmt.Errorf("value log gc: %w", err)
		}
	}
}
