package httpserver

import (
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/nvgputop-web/internal/ledger"
)

const metricsNamespace = "nvgputop"

func (s *Server) registerPrometheus(r chi.Router) {
	registry := prometheus.NewRegistry()
	for _, collector := range s.collectors() {
		registry.MustRegister(collector)
	}
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

func (s *Server) collectors() []prometheus.Collector {
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted since start.",
		}, func() float64 {
			return float64(s.wsTotal.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Total WebSocket connection attempts rejected due to capacity.",
		}, func() float64 {
			return float64(s.wsRejected.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_sent_total",
			Help:      "Total WebSocket messages sent to clients.",
		}, func() float64 {
			return float64(s.wsSent.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_dropped_total",
			Help:      "Total WebSocket messages dropped due to backpressure.",
		}, func() float64 {
			return float64(s.wsDropped.Load())
		}),
	}

	if s.engine != nil {
		engineCounter := func(name, help string, value func() uint64) prometheus.Collector {
			return prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "procscan",
				Name:      name,
				Help:      help,
			}, func() float64 {
				return float64(value())
			})
		}
		collectors = append(collectors,
			engineCounter("polls_total", "Process polls attempted.", func() uint64 { return s.engine.Counters().Polls }),
			engineCounter("source_unavailable_total", "Process polls skipped because no listing could be read.", func() uint64 { return s.engine.Counters().SourceUnavailable }),
			engineCounter("recorded_total", "Observations folded into the ledger.", func() uint64 { return s.engine.Counters().Recorded }),
			engineCounter("rejected_total", "Malformed observations discarded.", func() uint64 { return s.engine.Counters().Rejected }),
			engineCounter("failed_total", "Valid observations the ledger failed to record.", func() uint64 { return s.engine.Counters().Failed }),
		)
	}

	if s.feed != nil {
		collectors = append(collectors, newGPUMetricsCollector(s.feed))
	}
	return collectors
}

type gpuMetricsCollector struct {
	feed      StatsFeed
	metrics   []gpuMetric
	processes *prometheus.Desc
}

type gpuMetric struct {
	desc    *prometheus.Desc
	extract func(sample ledger.MetricSample) (float64, bool)
}

func newGPUMetricsCollector(feed StatsFeed) *gpuMetricsCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "gpu", name),
			help,
			[]string{"gpu", "name"},
			nil,
		)
	}
	pointer := func(get func(ledger.MetricSample) *float64) func(ledger.MetricSample) (float64, bool) {
		return func(sample ledger.MetricSample) (float64, bool) {
			v := get(sample)
			if v == nil {
				return 0, false
			}
			return *v, true
		}
	}

	return &gpuMetricsCollector{
		feed: feed,
		processes: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "active_processes"),
			"Processes seen inside the active window.",
			nil,
			nil,
		),
		metrics: []gpuMetric{
			{
				desc:    desc("temperature_celsius", "Current GPU temperature in Celsius."),
				extract: pointer(func(s ledger.MetricSample) *float64 { return s.Temperature }),
			},
			{
				desc:    desc("utilization_percent", "Current GPU utilization percentage."),
				extract: pointer(func(s ledger.MetricSample) *float64 { return s.Utilization }),
			},
			{
				desc:    desc("memory_used_mib", "Current framebuffer usage in MiB."),
				extract: pointer(func(s ledger.MetricSample) *float64 { return s.Memory }),
			},
			{
				desc:    desc("memory_total_mib", "Total framebuffer capacity in MiB."),
				extract: pointer(func(s ledger.MetricSample) *float64 { return s.MemoryTotal }),
			},
			{
				desc:    desc("power_watts", "Current GPU power draw in Watts."),
				extract: pointer(func(s ledger.MetricSample) *float64 { return s.Power }),
			},
			{
				desc: desc("sample_age_seconds", "Seconds elapsed since the latest GPU sample was collected."),
				extract: func(sample ledger.MetricSample) (float64, bool) {
					if sample.Timestamp <= 0 {
						return 0, false
					}
					age := time.Since(time.Unix(sample.Timestamp, 0)).Seconds()
					if age < 0 {
						age = 0
					}
					return age, true
				},
			},
		},
	}
}

func (c *gpuMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.processes
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
}

func (c *gpuMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	stats, ok := c.feed.Latest()
	if !ok {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.processes, prometheus.GaugeValue, float64(len(stats.Processes)))
	for _, sample := range stats.GPUs {
		labels := []string{strconv.Itoa(sample.GPU), sample.Name}
		for _, metric := range c.metrics {
			value, ok := metric.extract(sample)
			if !ok {
				continue
			}
			ch <- prometheus.MustNewConstMetric(metric.desc, prometheus.GaugeValue, value, labels...)
		}
	}
}
