package ledger

import "encoding/binary"

// Key layout. Integers are fixed-width big-endian so byte order matches
// numeric order:
//
//	p/<pid:8>                    -> ProcessRecord
//	s/<ts:8><pid:8><ordinal:4>   -> SnapshotRecord (time ordered)
//	l/<pid:8><ts:8><ordinal:4>   -> SnapshotRecord (per-pid index)
//	m/<ts:8><gpu:4><seq:4>       -> MetricSample
//
// Timestamps have second resolution. Appends that land on an occupied key
// move to the next free ordinal or seq, so rows are never overwritten.
var (
	prefixProcess  = []byte("p/")
	prefixSnapshot = []byte("s/")
	prefixPIDIndex = []byte("l/")
	prefixMetric   = []byte("m/")
)

func processKey(pid int) []byte {
	key := make([]byte, 0, len(prefixProcess)+8)
	key = append(key, prefixProcess...)
	return binary.BigEndian.AppendUint64(key, uint64(pid))
}

func snapshotKey(ts int64, pid int, ordinal uint32) []byte {
	key := make([]byte, 0, len(prefixSnapshot)+20)
	key = append(key, prefixSnapshot...)
	key = binary.BigEndian.AppendUint64(key, uint64(ts))
	key = binary.BigEndian.AppendUint64(key, uint64(pid))
	return binary.BigEndian.AppendUint32(key, ordinal)
}

func pidIndexPrefix(pid int) []byte {
	key := make([]byte, 0, len(prefixPIDIndex)+20)
	key = append(key, prefixPIDIndex...)
	return binary.BigEndian.AppendUint64(key, uint64(pid))
}

func pidIndexKey(pid int, ts int64, ordinal uint32) []byte {
	key := pidIndexPrefix(pid)
	key = binary.BigEndian.AppendUint64(key, uint64(ts))
	return binary.BigEndian.AppendUint32(key, ordinal)
}

func metricKey(ts int64, gpu int, seq uint32) []byte {
	key := make([]byte, 0, len(prefixMetric)+16)
	key = append(key, prefixMetric...)
	key = binary.BigEndian.AppendUint64(key, uint64(ts))
	key = binary.BigEndian.AppendUint32(key, uint32(gpu))
	return binary.BigEndian.AppendUint32(key, seq)
}

// timeSeek returns the first key of a time-ordered prefix at or after ts.
func timeSeek(prefix []byte, ts int64) []byte {
	if ts < 0 {
		ts = 0
	}
	key := make([]byte, 0, len(prefix)+8)
	key = append(key, prefix...)
	return binary.BigEndian.AppendUint64(key, uint64(ts))
}

// keyTimestamp extracts the timestamp that directly follows prefix.
func keyTimestamp(key, prefix []byte) (int64, bool) {
	if len(key) < len(prefix)+8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(key[len(prefix) : len(prefix)+8])), true
}

// prefixEnd returns a key that sorts after every key starting with prefix.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix), len(prefix)+1)
	copy(end, prefix)
	return append(end, 0xff)
}
