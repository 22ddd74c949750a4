package fog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	fixesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fogmesh",
		Subsystem: "ingest",
		Name:      "fixes_received_total",
		Help:      "Total raw fixes received from fix sources",
	}, []string{"explorer"})

	fixesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fogmesh",
		Subsystem: "ingest",
		Name:      "fixes_rejected_total",
		Help:      "Total fixes dropped by the sanitizer",
	}, []string{"explorer"})

	fixesDuplicate = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fogmesh",
		Subsystem: "ingest",
		Name:      "fixes_duplicate_total",
		Help:      "Total fixes ignored because the position was already recorded",
	}, []string{"explorer"})

	enrichmentFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fogmesh",
		Subsystem: "enrich",
		Name:      "failures_total",
		Help:      "Total road-snap and geocoding failures",
	}, []string{"kind"})

	// Geometry metrics
	geometryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fogmesh",
		Subsystem: "geometry",
		Name:      "failures_total",
		Help:      "Total failed geometry operations",
	}, []string{"op"})

	fogComputeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fogmesh",
		Subsystem: "geometry",
		Name:      "fog_compute_duration_seconds",
		Help:      "Time spent computing fog geometry",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// Archive metrics
	archivesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fogmesh",
		Subsystem: "archive",
		Name:      "sessions_total",
		Help:      "Total session archive attempts by result",
	}, []string{"result"})

	pendingArchives = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fogmesh",
		Subsystem: "archive",
		Name:      "pending",
		Help:      "Archives waiting to be persisted",
	}, []string{"explorer"})

	consolidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fogmesh",
		Subsystem: "archive",
		Name:      "consolidations_total",
		Help:      "Total consolidation passes by result",
	}, []string{"result"})

	// ActiveStreams is the number of connected fog stream clients.
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fogmesh",
		Subsystem: "ws",
		Name:      "active_connections",
		Help:      "Current number of fog stream websocket connections",
	})
)
