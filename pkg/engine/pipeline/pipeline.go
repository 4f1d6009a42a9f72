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

// Package pipeline implements the staged, demand-driven processing pipeline:
// a producer that admits events up to a hard buffer cap and releases them
// only against processor demand, a fixed-size pool of concurrent processor
// workers that classify events via the actor pool (memoized through the
// bounded cache), and per-lane batchers that flush size- or time-bounded
// batches to external sinks.
//
// Flow control is credit-based: each processor worker grants one unit of
// demand immediately before it is ready to receive, and the dispatcher
// releases buffered events only against outstanding credits. A slow
// downstream therefore throttles the producer instead of growing an
// unbounded queue; once the producer's buffer is full, Submit rejects with a
// Backpressure error.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/hiveflow/hiveflow/pkg/engine/metrics"
	errutil "github.com/hiveflow/hiveflow/pkg/engine/util/error"
	logutil "github.com/hiveflow/hiveflow/pkg/engine/util/logging"
)

const (
	// DefaultBufferCap is the producer's hard buffer bound.
	DefaultBufferCap = 1024
	// DefaultConcurrency is the processor stage's worker count.
	DefaultConcurrency = 16
	// DefaultFanOut is how many actors each event consults.
	DefaultFanOut = 3
	// DefaultCacheTTL is the freshness window for memoized scores.
	DefaultCacheTTL = 5 * time.Minute
	// DefaultScoreThreshold splits events between the high and low lanes.
	DefaultScoreThreshold = 0.5
	// DefaultMaxBatchSize seals a lane's batch regardless of latency.
	DefaultMaxBatchSize = 100
	// DefaultMaxBatchLatency seals a lane's batch regardless of size.
	DefaultMaxBatchLatency = time.Second
	// DefaultSinkRetries bounds hand-off attempts beyond the first.
	DefaultSinkRetries = 3
	// DefaultSinkBackoff is the base delay between hand-off attempts.
	DefaultSinkBackoff = 100 * time.Millisecond
	// DefaultGracePeriod bounds the drain wait on shutdown.
	DefaultGracePeriod = 5 * time.Second

	// lossChannelCap bounds the observability channel. A slow consumer loses
	// older loss notifications (each is also logged and counted).
	lossChannelCap = 16
)

// Config configures a Pipeline.
type Config struct {
	// ActorCount is the total number of actor ids available for selection,
	// i.e. partitionCount * actorsPerPartition of the backing pool.
	ActorCount int

	BufferCap   int
	Concurrency int
	FanOut      int
	CacheTTL    time.Duration

	// DefaultScore is assigned to an event whose classification failed.
	DefaultScore float64
	// ScoreThreshold routes an event to the high lane when its score is at or
	// above it.
	ScoreThreshold float64
	// AggregateFn folds actor responses into a scalar score. Nil means the
	// mean of all float64 responses.
	AggregateFn func(responses []any) float64

	MaxBatchSize    int
	MaxBatchLatency time.Duration
	SinkRetries     int
	SinkBackoff     time.Duration
	GracePeriod     time.Duration
}

func (c *Config) applyDefaults() error {
	if c.ActorCount <= 0 {
		return fmt.Errorf("actorCount must be positive, got %d", c.ActorCount)
	}
	if c.BufferCap <= 0 {
		c.BufferCap = DefaultBufferCap
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.FanOut <= 0 {
		c.FanOut = DefaultFanOut
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.ScoreThreshold == 0 {
		c.ScoreThreshold = DefaultScoreThreshold
	}
	if c.AggregateFn == nil {
		c.AggregateFn = meanOfFloats
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.MaxBatchLatency <= 0 {
		c.MaxBatchLatency = DefaultMaxBatchLatency
	}
	if c.SinkRetries < 0 {
		c.SinkRetries = DefaultSinkRetries
	}
	if c.SinkBackoff <= 0 {
		c.SinkBackoff = DefaultSinkBackoff
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	return nil
}

func meanOfFloats(responses []any) float64 {
	sum, n := 0.0, 0
	for _, r := range responses {
		if f, ok := r.(float64); ok {
			sum += f
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Pipeline is the staged engine. Construct with New, attach sinks with
// Subscribe, then call Run.
type Pipeline struct {
	cfg       Config
	activator Activator
	scores    ScoreCache
	logger    logr.Logger
	clock     clock.Clock

	// ingress is the producer's buffer; its capacity is the hard cap that
	// bounds memory even under credit mis-accounting.
	ingress chan *Event
	// demand carries credit grants from processor workers to the dispatcher.
	demand chan int
	// feed hands one event to one ready worker per credit.
	feed chan *Event

	lanes  map[Lane]*laneBatcher
	losses chan Loss

	accepting atomic.Bool
	running   atomic.Bool
	inflight  atomic.Int64
	wg        sync.WaitGroup
}

// New creates a Pipeline on top of the given activator and score cache.
func New(cfg Config, activator Activator, scores ScoreCache, logger logr.Logger) (*Pipeline, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if activator == nil || scores == nil {
		return nil, fmt.Errorf("an activator and a score cache are required")
	}
	p := &Pipeline{
		cfg:       cfg,
		activator: activator,
		scores:    scores,
		logger:    logger.WithName("pipeline"),
		clock:     clock.RealClock{},
		ingress:   make(chan *Event, cfg.BufferCap),
		demand:    make(chan int),
		feed:      make(chan *Event),
		lanes:     make(map[Lane]*laneBatcher, len(Lanes)),
		losses:    make(chan Loss, lossChannelCap),
	}
	for _, lane := range Lanes {
		p.lanes[lane] = newLaneBatcher(lane, &p.cfg, p.clock, p.logger, p.losses)
	}
	return p, nil
}

// Subscribe registers the sink invoked with each flushed batch for a lane.
// At most one sink may be active per lane, and sinks must be attached before
// Run.
func (p *Pipeline) Subscribe(lane Lane, sink Sink) error {
	if p.running.Load() {
		return fmt.Errorf("cannot subscribe after the pipeline has started")
	}
	lb, ok := p.lanes[lane]
	if !ok {
		return fmt.Errorf("unknown lane %q", lane)
	}
	if lb.sink != nil {
		return fmt.Errorf("lane %q already has an active sink", lane)
	}
	if sink == nil {
		return fmt.Errorf("sink must not be nil")
	}
	lb.sink = sink
	return nil
}

// Submit offers one event to the producer. It never blocks: when the buffer
// is already at its cap the event is rejected with a Backpressure error,
// which is routine flow control ("retry later"), not a failure.
func (p *Pipeline) Submit(event *Event) error {
	if event == nil {
		return fmt.Errorf("event must not be nil")
	}
	if !p.accepting.Load() {
		return errutil.Error{Code: errutil.Backpressure, Msg: "pipeline is not accepting events"}
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.EnqueuedAt = p.clock.Now()

	select {
	case p.ingress <- event:
		metrics.RecordEventAdmitted()
		return nil
	default:
		metrics.RecordEventRejected()
		return errutil.Error{Code: errutil.Backpressure, Msg: "producer buffer is saturated"}
	}
}

// Losses exposes the observability channel carrying fatal batch-loss events.
// The channel is never closed; readers should select against their own
// shutdown signal.
func (p *Pipeline) Losses() <-chan Loss {
	return p.losses
}

// Buffered returns the number of events currently held by the producer.
func (p *Pipeline) Buffered() int {
	return len(p.ingress)
}

// Run starts all stages and blocks until ctx is cancelled and the drain has
// completed. Shutdown stops intake first, then drains buffered events and
// in-flight processor calls up to the grace period, then force-stops the
// remaining workers. Lane batchers flush whatever is pending before exiting.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline already running")
	}
	logger := p.logger
	logger.V(logutil.DEFAULT).Info("Pipeline starting",
		"concurrency", p.cfg.Concurrency, "bufferCap", p.cfg.BufferCap,
		"maxBatchSize", p.cfg.MaxBatchSize, "maxBatchLatency", p.cfg.MaxBatchLatency)

	// Stage contexts are detached from ctx so the drain, not the caller's
	// cancellation, decides when workers stop.
	stageCtx, stopStages := context.WithCancel(context.Background())
	defer stopStages()
	batchCtx, stopBatchers := context.WithCancel(context.Background())
	defer stopBatchers()

	for _, lb := range p.lanes {
		p.wg.Add(1)
		go func(lb *laneBatcher) {
			defer p.wg.Done()
			lb.run(batchCtx)
		}(lb)
	}
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go func(i int) {
			defer p.wg.Done()
			p.worker(stageCtx, i)
		}(i)
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.dispatch(stageCtx)
	}()

	p.accepting.Store(true)
	<-ctx.Done()

	// Drain: reject new events, let the stages work off the backlog.
	p.accepting.Store(false)
	logger.V(logutil.DEFAULT).Info("Pipeline draining", "buffered", len(p.ingress), "grace", p.cfg.GracePeriod)
	if !p.awaitQuiescence() {
		logger.V(logutil.DEFAULT).Info("Grace period expired, force-stopping workers",
			"buffered", len(p.ingress), "inflight", p.inflight.Load())
	}
	stopStages()
	stopBatchers()
	p.wg.Wait()
	logger.V(logutil.DEFAULT).Info("Pipeline stopped")
	return nil
}

// awaitQuiescence waits until the producer buffer is empty and no accepted
// event is still in flight anywhere between the buffer and its lane, up to
// the grace period. It reports whether the backlog fully drained.
func (p *Pipeline) awaitQuiescence() bool {
	deadline := p.clock.Now().Add(p.cfg.GracePeriod)
	for p.clock.Now().Before(deadline) {
		if len(p.ingress) == 0 && p.inflight.Load() == 0 {
			return true
		}
		p.clock.Sleep(10 * time.Millisecond)
	}
	return len(p.ingress) == 0 && p.inflight.Load() == 0
}

// dispatch is the producer's release loop: it moves events from the buffer
// to the feed strictly against outstanding credits, preserving FIFO order.
func (p *Pipeline) dispatch(ctx context.Context) {
	logger := p.logger.WithName("dispatch")
	logger.V(logutil.DEBUG).Info("Dispatcher starting")
	defer logger.V(logutil.DEBUG).Info("Dispatcher stopped")

	credits := 0
	for {
		if credits == 0 {
			// No demand: the producer suspends here, which is the
			// backpressure point.
			select {
			case <-ctx.Done():
				return
			case n := <-p.demand:
				credits += n
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case n := <-p.demand:
			credits += n
		case ev := <-p.ingress:
			// The event is now in neither channel; count it in flight so the
			// drain cannot declare quiescence while it is in hand.
			p.inflight.Add(1)
			select {
			case <-ctx.Done():
				// Force-stop only: the grace period already expired.
				p.inflight.Add(-1)
				return
			case p.feed <- ev:
				credits--
			}
		}
	}
}
