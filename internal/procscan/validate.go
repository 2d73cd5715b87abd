package procscan

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/skobkin/nvgputop-web/internal/ledger"
)

// ErrMalformedObservation marks a row whose pid cannot be used.
var ErrMalformedObservation = errors.New("malformed observation")

var sentinels = map[string]struct{}{
	"":                {},
	"-":               {},
	"n/a":             {},
	"[n/a]":           {},
	"[not supported]": {},
	"unknown":         {},
}

func isSentinel(value string) bool {
	_, ok := sentinels[strings.ToLower(strings.TrimSpace(value))]
	return ok
}

// validate coerces a raw row. An unusable pid rejects the row; unusable
// memory becomes zero; the name is whitespace-normalized and may come back
// empty for the caller to resolve.
func validate(row rawRow) (ledger.Observation, error) {
	pidText := strings.TrimSpace(row.pid)
	if isSentinel(pidText) {
		return ledger.Observation{}, fmt.Errorf("%w: pid %q is unknown", ErrMalformedObservation, row.pid)
	}
	pid, err := strconv.Atoi(pidText)
	if err != nil {
		return ledger.Observation{}, fmt.Errorf("%w: pid %q: %v", ErrMalformedObservation, row.pid, err)
	}
	if pid <= 0 {
		return ledger.Observation{}, fmt.Errorf("%w: pid %d out of range", ErrMalformedObservation, pid)
	}

	name := strings.Join(strings.Fields(row.name), " ")
	if isSentinel(name) {
		name = ""
	}

	return ledger.Observation{
		PID:    pid,
		Name:   name,
		Memory: parseMemory(row.memory),
	}, nil
}

func parseMemory(raw string) int64 {
	value := strings.TrimSpace(raw)
	if isSentinel(value) {
		return 0
	}
	if len(value) >= 3 && strings.EqualFold(value[len(value)-3:], "mib") {
		value = strings.TrimSpace(value[:len(value)-3])
	}
	mem, err := strconv.ParseInt(value, 10, 64)
	if err != nil || mem < 0 {
		return 0
	}
	return mem
}
