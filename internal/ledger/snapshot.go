package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/dgraph-io/badger/v4"
)

// AppendSnapshot stores rec in the time-ordered log and the per-pid index.
func (l *Ledger) AppendSnapshot(ctx context.Context, rec SnapshotRecord, ordinal uint32) error {
	if rec.PID <= 0 {
		return ErrInvalidPID
	}
	err := l.update(ctx, func(txn *badger.Txn) error {
		return putSnapshot(txn, rec, ordinal)
	})
	if err != nil {
		return fmt.Errorf("append snapshot pid %d: %w", rec.PID, err)
	}
	return nil
}

func putSnapshot(txn *badger.Txn, rec SnapshotRecord, ordinal uint32) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key, err := freeKey(txn, ordinal, func(n uint32) []byte {
		return snapshotKey(rec.Timestamp, rec.PID, n)
	})
	if err != nil {
		return err
	}
	if err := txn.Set(key, data); err != nil {
		return err
	}
	return txn.Set(snapshotIndexKey(key), data)
}

// freeKey returns the first key built from n = start, start+1, ... that is not
// stored yet. The reads join the transaction's conflict set.
func freeKey(txn *badger.Txn, start uint32, build func(n uint32) []byte) ([]byte, error) {
	for n := start; ; n++ {
		key := build(n)
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return key, nil
		}
		if err != nil {
			return nil, err
		}
		if n == math.MaxUint32 {
			return nil, errors.New("no free key slot")
		}
	}
}

// LatestSnapshot returns the most recent snapshot of pid or ErrNotFound.
func (l *Ledger) LatestSnapshot(ctx context.Context, pid int) (SnapshotRecord, error) {
	var rec SnapshotRecord
	err := l.view(ctx, func(txn *badger.Txn) error {
		prefix := pidIndexPrefix(pid)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(prefixEnd(prefix))
		if !it.ValidForPrefix(prefix) {
			return ErrNotFound
		}
		return it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return SnapshotRecord{}, err
	}
	return rec, nil
}

// SnapshotsSince returns snapshots with timestamp strictly after cutoff in
// ascending time order.
func (l *Ledger) SnapshotsSince(ctx context.Context, cutoff int64) ([]SnapshotRecord, error) {
	out := make([]SnapshotRecord, 0)
	err := l.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixSnapshot
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(timeSeek(prefixSnapshot, cutoff+1)); it.Valid(); it.Next() {
			var rec SnapshotRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode snapshot: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return make([]SnapshotRecord, 0), fmt.Errorf("list snapshots: %w", err)
	}
	return out, nil
}
