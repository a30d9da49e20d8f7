// Package metrics exposes Prometheus instrumentation for pattern detection.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zorak1103/ha-patterns/internal/patterns"
)

const namespace = "ha_patterns"

// Detector outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// Recorder implements patterns.Recorder on its own Prometheus registry.
type Recorder struct {
	registry *prometheus.Registry

	detectorRuns     *prometheus.CounterVec
	detectorDuration *prometheus.HistogramVec
	patternsFound    *prometheus.CounterVec
	engineRuns       prometheus.Counter
	eventsAnalyzed   prometheus.Counter
	runDuration      prometheus.Histogram
}

var _ patterns.Recorder = (*Recorder)(nil)

// NewRecorder creates a recorder with a fresh registry that also carries
// the Go runtime and process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		detectorRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "detector",
				Name:      "runs_total",
				Help:      "Total detector runs by pattern type and outcome",
			},
			[]string{"pattern_type", "outcome"},
		),
		detectorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "detector",
				Name:      "duration_seconds",
				Help:      "Detector wall-clock time",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"pattern_type"},
		),
		patternsFound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "detector",
				Name:      "patterns_found_total",
				Help:      "Total patterns that passed the thresholds, by pattern type",
			},
			[]string{"pattern_type"},
		),
		engineRuns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "runs_total",
				Help:      "Total pattern detection runs",
			},
		),
		eventsAnalyzed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "events_analyzed_total",
				Help:      "Total events fed into pattern detection",
			},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "run_duration_seconds",
				Help:      "Duration of a full detection run",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.detectorRuns,
		r.detectorDuration,
		r.patternsFound,
		r.engineRuns,
		r.eventsAnalyzed,
		r.runDuration,
	)
	return r
}

// ObserveDetector implements patterns.Recorder.
func (r *Recorder) ObserveDetector(t patterns.PatternType, d time.Duration, found int, err error) {
	name := t.String()
	r.detectorRuns.WithLabelValues(name, outcome(err)).Inc()
	r.detectorDuration.WithLabelValues(name).Observe(d.Seconds())
	if err == nil && found > 0 {
		r.patternsFound.WithLabelValues(name).Add(float64(found))
	}
}

// ObserveRun implements patterns.Recorder.
func (r *Recorder) ObserveRun(events int, d time.Duration) {
	r.engineRuns.Inc()
	r.eventsAnalyzed.Add(float64(events))
	r.runDuration.Observe(d.Seconds())
}

// Registry returns the registry the recorder's collectors live on.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, patterns.ErrDetectorTimeout):
		return OutcomeTimeout
	default:
		return OutcomeError
	}
}
