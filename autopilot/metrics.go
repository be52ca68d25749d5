package autopilot

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

var (
	tickDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "hostpilot",
		Subsystem: "autopilot",
		Name:      "tick_duration_seconds",
		Help:      "Duration of autopilot ticks, in seconds.",
		Buckets:   stdprometheus.ExponentialBuckets(0.1, 3, 9),
	}, []string{"success"})
	tickTerminals = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "hostpilot",
		Subsystem: "autopilot",
		Name:      "tick_terminals_total",
		Help:      "Count of ticks by terminal state.",
	}, []string{"state"})
)

// FlushMetrics writes the process's metrics in text exposition format
// for a node-exporter textfile collector. The process is single-shot,
// so there is nothing to scrape; the file is the export.
func FlushMetrics(path string) error {
	return stdprometheus.WriteToTextfile(path, stdprometheus.DefaultGatherer)
}
