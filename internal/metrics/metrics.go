// Package metrics provides Prometheus metrics for the capture and detection pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wildcam"

var (
	framesRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "frames_read_total",
		Help:      "Frames read from the active source",
	}, []string{"source"})

	transientReadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "transient_read_errors_total",
		Help:      "Read failures absorbed by the worker loop",
	}, []string{"source"})

	readAheadDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "readahead_dropped_total",
		Help:      "Decoded frames replaced in the low-latency slot before being read",
	}, []string{"source"})

	openSources = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "open_sources",
		Help:      "Frame sources currently holding a decode handle",
	})

	framesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "frames_published_total",
		Help:      "Annotated frames written to the display mailbox",
	}, []string{"source"})

	framesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "frames_dropped_total",
		Help:      "Annotated frames overwritten in the mailbox before the display read them",
	})

	switches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "switches_total",
		Help:      "Source switch requests by outcome",
	}, []string{"outcome"})

	detectionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "detector",
		Name:      "failures_total",
		Help:      "Frames passed through unannotated after a detector fault",
	}, []string{"source"})

	detectionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "detector",
		Name:      "latency_seconds",
		Help:      "Detector round trip per frame",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})
)

func FrameRead(source string)          { framesRead.WithLabelValues(source).Inc() }
func TransientReadError(source string) { transientReadErrors.WithLabelValues(source).Inc() }
func ReadAheadDrop(source string)      { readAheadDrops.WithLabelValues(source).Inc() }
func SourceOpened()                    { openSources.Inc() }
func SourceClosed()                    { openSources.Dec() }
func FramePublished(source string)     { framesPublished.WithLabelValues(source).Inc() }
func FrameDropped()                    { framesDropped.Inc() }
func Switch(outcome string)            { switches.WithLabelValues(outcome).Inc() }
func DetectionFailure(source string)   { detectionFailures.WithLabelValues(source).Inc() }

func ObserveDetection(d time.Duration) {
	detectionLatency.Observe(d.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
