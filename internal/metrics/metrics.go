// Package metrics collects operational counters for queries and
// ingestion. Prometheus collectors expose them; an in-process sample
// window backs the control loop's before/after comparisons, which need
// exact time-bounded aggregates rather than scrape-interval buckets.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// maxSampleAge bounds the in-process window; Learn never looks further
// back than 24 hours.
const maxSampleAge = 25 * time.Hour

// maxSamples caps memory for the in-process window.
const maxSamples = 1 << 16

type sample struct {
	at         time.Time
	latency    float64 // seconds
	candidates int
}

// Recorder collects query and ingest observations.
type Recorder struct {
	queryLatency  prometheus.Histogram
	candidateSize prometheus.Histogram
	dedupHits     prometheus.Counter
	ingests       prometheus.Counter

	mu      sync.Mutex
	samples []sample
}

// NewRecorder creates a recorder registered on reg. A nil reg gets a
// private registry, which keeps tests independent.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Recorder{
		queryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lithic_query_latency_seconds",
			Help:    "KNN query latency.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		candidateSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lithic_query_candidates",
			Help:    "Candidate set size before exact distance ranking.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}),
		dedupHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "lithic_ingest_dedup_hits_total",
			Help: "Ingests deduplicated into an existing atom.",
		}),
		ingests: factory.NewCounter(prometheus.CounterOpts{
			Name: "lithic_ingests_total",
			Help: "Ingest requests accepted.",
		}),
	}
}

// ObserveQuery records one query's latency and candidate set size.
func (r *Recorder) ObserveQuery(latency time.Duration, candidates int) {
	r.queryLatency.Observe(latency.Seconds())
	r.candidateSize.Observe(float64(candidates))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, sample{at: time.Now(), latency: latency.Seconds(), candidates: candidates})
	r.pruneLocked()
}

// ObserveIngest records one accepted ingest.
func (r *Recorder) ObserveIngest(deduped bool) {
	r.ingests.Inc()
	if deduped {
		r.dedupHits.Inc()
	}
}

func (r *Recorder) pruneLocked() {
	cutoff := time.Now().Add(-maxSampleAge)
	drop := 0
	for drop < len(r.samples) && r.samples[drop].at.Before(cutoff) {
		drop++
	}
	if over := len(r.samples) - drop - maxSamples; over > 0 {
		drop += over
	}
	if drop > 0 {
		r.samples = append(r.samples[:0], r.samples[drop:]...)
	}
}

// WindowStats aggregates the samples inside one time window.
type WindowStats struct {
	Count          int
	MeanLatency    float64 // seconds
	MaxLatency     float64
	MeanCandidates float64
	Throughput     float64 // queries per second over the window
}

// Window aggregates samples in [from, to).
func (r *Recorder) Window(from, to time.Time) WindowStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s WindowStats
	var latSum, candSum float64
	for _, smp := range r.samples {
		if smp.at.Before(from) || !smp.at.Before(to) {
			continue
		}
		s.Count++
		latSum += smp.latency
		candSum += float64(smp.candidates)
		if smp.latency > s.MaxLatency {
			s.MaxLatency = smp.latency
		}
	}
	if s.Count > 0 {
		s.MeanLatency = latSum / float64(s.Count)
		s.MeanCandidates = candSum / float64(s.Count)
		if span := to.Sub(from).Seconds(); span > 0 {
			s.Throughput = float64(s.Count) / span
		}
	}
	return s
}

// RecordLatency injects a synthetic sample at a fixed time. Test helper
// for window classification.
func (r *Recorder) RecordLatency(at time.Time, latency time.Duration, candidates int) {
	r.queryLatency.Observe(latency.Seconds())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, sample{at: at, latency: latency.Seconds(), candidates: candidates})
}
