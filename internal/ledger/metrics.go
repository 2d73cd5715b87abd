package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// AppendMetric stores one GPU sample keyed by (timestamp, gpu). Samples of
// the same GPU within one second are kept side by side.
func (l *Ledger) AppendMetric(ctx context.Context, sample MetricSample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("encode metric sample: %w", err)
	}
	err = l.update(ctx, func(txn *badger.Txn) error {
		key, err := freeKey(txn, 0, func(seq uint32) []byte {
			return metricKey(sample.Timestamp, sample.GPU, seq)
		})
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("append metric gpu %d: %w", sample.GPU, err)
	}
	return nil
}

// MetricsSince returns samples with timestamp strictly after cutoff,
// ascending by time then gpu index.
func (l *Ledger) MetricsSince(ctx context.Context, cutoff int64) ([]MetricSample, error) {
	out := make([]MetricSample, 0)
	err := l.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixMetric
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(timeSeek(prefixMetric, cutoff+1)); it.Valid(); it.Next() {
			var sample MetricSample
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sample)
			}); err != nil {
				return fmt.Errorf("decode metric sample: %w", err)
			}
			out = append(out, sample)
		}
		return nil
	})
	if err != nil {
		return make([]MetricSample, 0), fmt.Errorf("list metrics: %w", err)
	}
	return out, nil
}
