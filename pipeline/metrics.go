package pipeline

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

var (
	stepDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "hostpilot",
		Subsystem: "pipeline",
		Name:      "step_duration_seconds",
		Help:      "Duration of deploy pipeline steps, in seconds.",
		Buckets:   stdprometheus.ExponentialBuckets(0.1, 3, 9), // top bucket ~= 11 minutes
	}, []string{"step", "success"})
)
