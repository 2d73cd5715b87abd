package ledger

import "errors"

var (
	// ErrNotFound is returned when a keyed lookup has no record.
	ErrNotFound = errors.New("ledger: not found")
	// ErrInvalidPID rejects observations that cannot be keyed.
	ErrInvalidPID = errors.New("ledger: pid must be positive")
)

// Observation is one validated (pid, name, memory) tuple from a poll.
// Memory is expressed in MiB.
type Observation struct {
	PID    int    `json:"pid"`
	Name   string `json:"name"`
	Memory int64  `json:"memory"`
}

// ProcessRecord aggregates every observation of a pid since it entered the ledger.
// Timestamps are Unix seconds.
type ProcessRecord struct {
	PID         int     `json:"pid"`
	Name        string  `json:"name"`
	FirstSeen   int64   `json:"first_seen"`
	LastSeen    int64   `json:"last_seen"`
	MaxMemory   int64   `json:"max_memory"`
	AvgMemory   float64 `json:"avg_memory"`
	SampleCount int64   `json:"sample_count"`
}

// SnapshotRecord is an append-only observation of a pid at a poll.
type SnapshotRecord struct {
	Timestamp   int64  `json:"timestamp"`
	PID         int    `json:"pid"`
	Name        string `json:"name"`
	MemoryUsage int64  `json:"memory_usage"`
}

// MetricSample is a scalar telemetry reading for one GPU. Pointer fields
// serialize as null when the source reported the value as unavailable.
type MetricSample struct {
	Timestamp   int64    `json:"timestamp"`
	GPU         int      `json:"gpu"`
	Name        string   `json:"name,omitempty"`
	Temperature *float64 `json:"temperature"`
	Utilization *float64 `json:"utilization"`
	Memory      *float64 `json:"memory"`
	MemoryTotal *float64 `json:"memory_total"`
	Power       *float64 `json:"power"`
}

// DeleteStats reports how many rows a retention pass removed per kind.
type DeleteStats struct {
	Metrics   int `json:"metrics"`
	Snapshots int `json:"snapshots"`
	Processes int `json:"processes"`
}

// Total returns the number of removed rows across all kinds.
func (s DeleteStats) Total() int {
	return s.Metrics + s.Snapshots + s.Processes
}

// Fold merges one observation taken at ts into the existing record.
// A nil record starts a fresh aggregate. The name is always replaced by the
// latest observed one.
func Fold(existing *ProcessRecord, obs Observation, ts int64) ProcessRecord {
	if existing == nil {
		return ProcessRecord{
			PID:         obs.PID,
			Name:        obs.Name,
			FirstSeen:   ts,
			LastSeen:    ts,
			MaxMemory:   obs.Memory,
			AvgMemory:   float64(obs.Memory),
			SampleCount: 1,
		}
	}

	next := *existing
	if ts > next.LastSeen {
		next.LastSeen = ts
	}
	if obs.Memory > next.MaxMemory {
		next.MaxMemory = obs.Memory
	}
	count := float64(next.SampleCount)
	next.AvgMemory = (next.AvgMemory*count + float64(obs.Memory)) / (count + 1)
	next.SampleCount++
	next.Name = obs.Name
	return next
}
