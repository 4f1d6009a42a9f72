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

package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/hiveflow/hiveflow/pkg/engine/metrics"
	errutil "github.com/hiveflow/hiveflow/pkg/engine/util/error"
	logutil "github.com/hiveflow/hiveflow/pkg/engine/util/logging"
)

// laneBatcher accumulates one lane's events and flushes a batch when either
// the size bound is reached or the latency timer (armed by the first
// unflushed event) fires, whichever happens first.
//
// The single run goroutine owns the pending buffer, so batches are sealed
// and handed off strictly in seal order. The buffer is cleared only after a
// successful hand-off; retries block the lane, never reorder it.
type laneBatcher struct {
	lane   Lane
	cfg    *Config
	clock  clock.Clock
	logger logr.Logger
	losses chan<- Loss

	// in receives events from processor workers.
	in chan *Event
	// sink is set via Pipeline.Subscribe before the run loop starts.
	sink Sink

	pending []*Event
	firstAt time.Time
}

func newLaneBatcher(lane Lane, cfg *Config, c clock.Clock, logger logr.Logger, losses chan<- Loss) *laneBatcher {
	return &laneBatcher{
		lane:   lane,
		cfg:    cfg,
		clock:  c,
		logger: logger.WithName("batcher").WithValues("lane", lane),
		losses: losses,
		in:     make(chan *Event, cfg.MaxBatchSize),
	}
}

// add hands one processed event to the lane. It blocks while the lane's
// buffer is full (e.g. during sink retries), which backpressures the
// processor worker.
func (lb *laneBatcher) add(ctx context.Context, ev *Event) {
	select {
	case lb.in <- ev:
	case <-ctx.Done():
	}
}

// run is the lane's flush loop. On shutdown it flushes whatever is pending
// before exiting.
func (lb *laneBatcher) run(ctx context.Context) {
	lb.logger.V(logutil.DEBUG).Info("Lane batcher starting")
	defer lb.logger.V(logutil.DEBUG).Info("Lane batcher stopped")

	var timer clock.Timer
	var timerC <-chan time.Time
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Drain what workers already handed off, then flush the rest.
			// The size bound still applies: the buffered backlog plus the
			// partial pending batch can exceed MaxBatchSize, so the drain
			// seals full batches as it goes.
		DrainLoop:
			for {
				select {
				case ev := <-lb.in:
					lb.append(ev)
					if len(lb.pending) >= lb.cfg.MaxBatchSize {
						lb.flush(context.Background(), "shutdown")
					}
				default:
					break DrainLoop
				}
			}
			stopTimer()
			if len(lb.pending) > 0 {
				lb.flush(context.Background(), "shutdown")
			}
			return
		case ev := <-lb.in:
			lb.append(ev)
			if len(lb.pending) == 1 {
				// First unflushed item arms the latency clock.
				timer = lb.clock.NewTimer(lb.cfg.MaxBatchLatency)
				timerC = timer.C()
			}
			if len(lb.pending) >= lb.cfg.MaxBatchSize {
				stopTimer()
				lb.flush(ctx, "size")
			}
		case <-timerC:
			timer = nil
			timerC = nil
			if len(lb.pending) > 0 {
				lb.flush(ctx, "latency")
			}
		}
	}
}

func (lb *laneBatcher) append(ev *Event) {
	if len(lb.pending) == 0 {
		lb.firstAt = lb.clock.Now()
	}
	lb.pending = append(lb.pending, ev)
}

// flush seals the pending buffer into a batch and hands it to the sink with
// bounded retries. On success the buffer is cleared; after retry exhaustion
// the batch is surfaced as a Loss and then dropped.
func (lb *laneBatcher) flush(ctx context.Context, reason string) {
	batch := Batch{
		Lane:     lb.lane,
		Events:   lb.pending,
		SealedAt: lb.clock.Now(),
	}
	latency := batch.SealedAt.Sub(lb.firstAt)
	logger := lb.logger.WithValues("size", len(batch.Events), "reason", reason)

	if lb.sink == nil {
		// No subscriber: the lane cannot deliver. Treated the same as sink
		// retry exhaustion so the data loss is observable.
		lb.reportLoss(batch, errutil.Error{Code: errutil.SinkFailure,
			Msg: fmt.Sprintf("no sink subscribed for lane %q", lb.lane)})
		lb.pending = nil
		return
	}

	var err error
	for attempt := 0; attempt <= lb.cfg.SinkRetries; attempt++ {
		if attempt > 0 {
			lb.clock.Sleep(lb.cfg.SinkBackoff * time.Duration(attempt))
		}
		if err = lb.sink(ctx, batch); err == nil {
			lb.pending = nil
			metrics.RecordBatchFlushed(string(lb.lane), latency)
			logger.V(logutil.VERBOSE).Info("Batch flushed", "latency", latency)
			return
		}
		logger.V(logutil.DEFAULT).Info("Sink hand-off failed, retrying",
			"attempt", attempt+1, "err", err)
	}

	// Fatal for this batch: retries exhausted.
	lb.reportLoss(batch, errutil.Error{Code: errutil.SinkFailure,
		Msg: fmt.Sprintf("sink hand-off for lane %q failed after %d attempts: %v",
			lb.lane, lb.cfg.SinkRetries+1, err)})
	lb.pending = nil
}

// reportLoss surfaces a dropped batch on the observability channel. This is
// deliberately louder than routine errors: it is the one condition that
// should page an operator.
func (lb *laneBatcher) reportLoss(batch Batch, err error) {
	metrics.RecordBatchLost(string(lb.lane))
	lb.logger.Error(err, "BATCH LOST", "size", len(batch.Events))
	select {
	case lb.losses <- Loss{Lane: lb.lane, Batch: batch, Err: err}:
	default:
		lb.logger.Error(nil, "Loss channel saturated, notification dropped")
	}
}
