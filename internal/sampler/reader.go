package sampler

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jszwec/csvutil"

	"github.com/skobkin/nvgputop-web/internal/gpu"
	"github.com/skobkin/nvgputop-web/internal/ledger"
	"github.com/skobkin/nvgputop-web/internal/smi"
)

// Querier returns the raw per-GPU CSV produced by nvidia-smi --query-gpu.
type Querier interface {
	QueryGPUs(ctx context.Context) (string, error)
}

// gpuRow mirrors smi.GPUQueryFields. Values stay textual until parsed so
// "[N/A]" never fails the whole decode.
type gpuRow struct {
	Index       string `csv:"index"`
	Name        string `csv:"name"`
	BusID       string `csv:"pci.bus_id"`
	DeviceID    string `csv:"pci.device_id"`
	SubDeviceID string `csv:"pci.sub_device_id"`
	Temperature string `csv:"temperature.gpu"`
	Utilization string `csv:"utilization.gpu"`
	MemoryUsed  string `csv:"memory.used"`
	MemoryTotal string `csv:"memory.total"`
	PowerDraw   string `csv:"power.draw"`
}

// Reader fetches scalar telemetry for every NVIDIA GPU.
type Reader struct {
	querier Querier
	namer   *gpu.Namer
	logger  *slog.Logger
}

// NewReader constructs a Reader. namer may be nil.
func NewReader(querier Querier, namer *gpu.Namer, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Reader{
		querier: querier,
		namer:   namer,
		logger:  logger.With("component", "gpu_reader"),
	}
}

// Sample queries all GPUs once and stamps the samples with now. Rows that
// cannot be decoded are skipped; unavailable values are left nil.
func (r *Reader) Sample(ctx context.Context, now time.Time) ([]ledger.MetricSample, error) {
	raw, err := r.querier.QueryGPUs(ctx)
	if err != nil {
		return nil, fmt.Errorf("query gpus: %w", err)
	}
	return r.decode(raw, now.Unix())
}

func (r *Reader) decode(raw string, ts int64) ([]ledger.MetricSample, error) {
	samples := make([]ledger.MetricSample, 0, 2)
	if strings.TrimSpace(raw) == "" {
		return samples, nil
	}

	csvReader := csv.NewReader(strings.NewReader(raw))
	csvReader.TrimLeadingSpace = true
	csvReader.LazyQuotes = true
	csvReader.FieldsPerRecord = -1

	dec, err := csvutil.NewDecoder(csvReader, smi.GPUQueryFields...)
	if err != nil {
		return nil, fmt.Errorf("init gpu csv decoder: %w", err)
	}

	for {
		var row gpuRow
		err := dec.Decode(&row)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.Is(err, csvutil.ErrFieldCount) || errors.As(err, &parseErr) {
				r.logger.Debug("skipping malformed gpu row", "err", err)
				continue
			}
			return samples, fmt.Errorf("decode gpu row: %w", err)
		}

		index, err := strconv.Atoi(strings.TrimSpace(row.Index))
		if err != nil {
			r.logger.Debug("skipping gpu row without index", "index", row.Index)
			continue
		}

		samples = append(samples, ledger.MetricSample{
			Timestamp:   ts,
			GPU:         index,
			Name:        r.namer.Name(index, row.BusID, row.Name, row.DeviceID, row.SubDeviceID),
			Temperature: parseValue(row.Temperature),
			Utilization: parseValue(row.Utilization),
			Memory:      parseValue(row.MemoryUsed),
			MemoryTotal: parseValue(row.MemoryTotal),
			Power:       parseValue(row.PowerDraw),
		})
	}
	return samples, nil
}

func parseValue(raw string) *float64 {
	value := strings.TrimSpace(raw)
	switch strings.ToLower(value) {
	case "", "-", "n/a", "[n/a]", "[not supported]", "[unknown error]":
		return nil
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil
	}
	return &v
}
