package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// engineCollectors holds the engine-specific Prometheus collectors.
// All observation helpers tolerate a nil receiver so callers never need to
// check whether metrics are enabled.
type engineCollectors struct {
	upstreamRequests *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	phonesClassified *prometheus.CounterVec
	chunkTransitions *prometheus.CounterVec
	filesCompleted   prometheus.Counter
	rateGateWait     prometheus.Histogram
	workerDuration   prometheus.Histogram
}

var engine *engineCollectors

func initEngineCollectors(reg *prometheus.Registry) {
	engine = &engineCollectors{
		upstreamRequests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "carriersift_upstream_requests_total",
				Help: "Upstream capability lookups by outcome class",
			},
			[]string{"outcome"}, // "ok", "429", "4xx", "5xx", "transport_error", "malformed"
		),
		cacheLookups: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "carriersift_cache_lookups_total",
				Help: "Verdict cache lookups by result",
			},
			[]string{"result"}, // "hit", "miss"
		),
		phonesClassified: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "carriersift_phones_classified_total",
				Help: "Phones durably classified by verdict",
			},
			[]string{"contact_type"},
		),
		chunkTransitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "carriersift_chunk_transitions_total",
				Help: "Chunk status transitions applied by the worker",
			},
			[]string{"status"}, // "completed", "split", "failed", "failed_permanent"
		),
		filesCompleted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "carriersift_files_completed_total",
				Help: "Files driven to completed status",
			},
		),
		rateGateWait: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "carriersift_rategate_wait_seconds",
				Help:    "Time spent waiting on the upstream rate gate",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
		),
		workerDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "carriersift_worker_invocation_seconds",
				Help:    "Wall time of chunk worker invocations",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
	}
}

// ObserveUpstreamRequest records one upstream call by outcome class.
func ObserveUpstreamRequest(outcome string) {
	if engine == nil {
		return
	}
	engine.upstreamRequests.WithLabelValues(outcome).Inc()
}

// ObserveCacheLookup records a verdict cache hit or miss.
func ObserveCacheLookup(hit bool) {
	if engine == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	engine.cacheLookups.WithLabelValues(result).Inc()
}

// ObservePhoneClassified records a durably written classification.
func ObservePhoneClassified(contactType string) {
	if engine == nil {
		return
	}
	engine.phonesClassified.WithLabelValues(contactType).Inc()
}

// ObserveChunkTransition records a chunk status transition.
func ObserveChunkTransition(status string) {
	if engine == nil {
		return
	}
	engine.chunkTransitions.WithLabelValues(status).Inc()
}

// ObserveFileCompleted records a file reaching completed status.
func ObserveFileCompleted() {
	if engine == nil {
		return
	}
	engine.filesCompleted.Inc()
}

// ObserveRateGateWait records time spent blocked on the rate gate.
func ObserveRateGateWait(d time.Duration) {
	if engine == nil {
		return
	}
	engine.rateGateWait.Observe(d.Seconds())
}

// ObserveWorkerInvocation records the wall time of one worker invocation.
func ObserveWorkerInvocation(d time.Duration) {
	if engine == nil {
		return
	}
	engine.workerDuration.Observe(d.Seconds())
}
