/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// --- Subsystems ---
	PoolComponent     = "actor_pool"
	CacheComponent    = "bounded_cache"
	PipelineComponent = "pipeline"
)

var (
	// --- Common Label Sets ---
	PartitionLabels = []string{"partition"}
	OutcomeLabels   = []string{"outcome"}
	LaneLabels      = []string{"lane"}

	// FlushLatencyBuckets covers batcher flush latencies from 1ms to 30s.
	FlushLatencyBuckets = []float64{
		0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
	}
)

// --- Actor Pool Metrics ---
var (
	actorRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: PoolComponent,
			Name:      "restart_total",
			Help:      "Counter of actor restarts broken out per partition.",
		},
		PartitionLabels,
	)

	degradedPartitions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: PoolComponent,
			Name:      "degraded_partitions",
			Help:      "Number of partitions that have exhausted their restart budget.",
		},
	)

	activations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: PoolComponent,
			Name:      "activation_total",
			Help:      "Counter of actor activations broken out by outcome code.",
		},
		OutcomeLabels,
	)

	liveActors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: PoolComponent,
			Name:      "live_actors",
			Help:      "Number of actors currently registered as live.",
		},
	)
)

// --- Cache Metrics ---
var (
	cacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: CacheComponent,
			Name:      "size",
			Help:      "Current number of entries resident in the cache.",
		},
	)

	cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: CacheComponent,
			Name:      "hit_total",
			Help:      "Counter of cache lookups that returned a fresh entry.",
		},
	)

	cacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: CacheComponent,
			Name:      "miss_total",
			Help:      "Counter of cache lookups that missed or hit an expired entry.",
		},
	)

	cacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: CacheComponent,
			Name:      "eviction_total",
			Help:      "Counter of entries removed from the cache, whether evicted to satisfy the capacity bound or purged after expiry.",
		},
	)
)

// --- Pipeline Metrics ---
var (
	eventsAdmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: PipelineComponent,
			Name:      "event_admitted_total",
			Help:      "Counter of events accepted by the producer.",
		},
	)

	eventsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: PipelineComponent,
			Name:      "event_rejected_total",
			Help:      "Counter of events rejected due to backpressure.",
		},
	)

	processingErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: PipelineComponent,
			Name:      "processing_error_total",
			Help:      "Counter of events downgraded to the default score after a processing error.",
		},
	)

	batchesFlushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: PipelineComponent,
			Name:      "batch_flushed_total",
			Help:      "Counter of batches handed off to sinks, broken out per lane.",
		},
		LaneLabels,
	)

	batchesLost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: PipelineComponent,
			Name:      "batch_lost_total",
			Help:      "Counter of batches dropped after sink retry exhaustion, broken out per lane.",
		},
		LaneLabels,
	)

	flushLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: PipelineComponent,
			Name:      "flush_latency_seconds",
			Help:      "Histogram of time between a lane's oldest unflushed event and its flush.",
			Buckets:   FlushLatencyBuckets,
		},
		LaneLabels,
	)
)

var registerMetrics sync.Once

// Register registers all engine metrics with the given registerer.
// A nil registerer means the prometheus default. Safe to call more than once.
func Register(r prometheus.Registerer) {
	registerMetrics.Do(func() {
		if r == nil {
			r = prometheus.DefaultRegisterer
		}
		r.MustRegister(
			actorRestarts,
			degradedPartitions,
			activations,
			liveActors,
			cacheSize,
			cacheHits,
			cacheMisses,
			cacheEvictions,
			eventsAdmitted,
			eventsRejected,
			processingErrors,
			batchesFlushed,
			batchesLost,
			flushLatency,
		)
	})
}

// --- Pool helpers ---

func RecordActorRestart(partition string) {
	actorRestarts.WithLabelValues(partition).Inc()
}

func SetDegradedPartitions(n int) {
	degradedPartitions.Set(float64(n))
}

func RecordActivation(outcome string) {
	activations.WithLabelValues(outcome).Inc()
}

func SetLiveActors(n int) {
	liveActors.Set(float64(n))
}

// --- Cache helpers ---

func SetCacheSize(n int) {
	cacheSize.Set(float64(n))
}

func RecordCacheHit() {
	cacheHits.Inc()
}

func RecordCacheMiss() {
	cacheMisses.Inc()
}

func RecordCacheEviction() {
	cacheEvictions.Inc()
}

// --- Pipeline helpers ---

func RecordEventAdmitted() {
	eventsAdmitted.Inc()
}

func RecordEventRejected() {
	eventsRejected.Inc()
}

func RecordProcessingError() {
	processingErrors.Inc()
}

func RecordBatchFlushed(lane string, latency time.Duration) {
	batchesFlushed.WithLabelValues(lane).Inc()
	flushLatency.WithLabelValues(lane).Observe(latency.Seconds())
}

func RecordBatchLost(lane string) {
	batchesLost.WithLabelValues(lane).Inc()
}
