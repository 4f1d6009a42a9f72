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

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/hiveflow/hiveflow/pkg/engine/metrics"
	logutil "github.com/hiveflow/hiveflow/pkg/engine/util/logging"
)

// worker is one processor-stage goroutine. It grants one credit immediately
// before it is ready to receive, so outstanding demand always matches
// workers that can make progress.
//
// A failure on one event never takes the worker down: the event is
// downgraded to the default score and the worker moves on to the next
// credited item.
func (p *Pipeline) worker(ctx context.Context, idx int) {
	logger := p.logger.WithName("processor").WithValues("worker", idx)
	logger.V(logutil.DEBUG).Info("Processor worker starting")
	defer logger.V(logutil.DEBUG).Info("Processor worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case p.demand <- 1:
		}
		select {
		case <-ctx.Done():
			// The granted credit dies with the dispatcher; nothing to undo.
			return
		case ev := <-p.feed:
			// The dispatcher marked the event in flight when it left the
			// ingress buffer; it stays counted until fully processed.
			p.process(ctx, ev, logger)
			p.inflight.Add(-1)
		}
	}
}

// process classifies one event and hands it to its lane's batcher.
func (p *Pipeline) process(ctx context.Context, ev *Event, logger logr.Logger) {
	fp := Fingerprint(ev.Payload)
	ev.Fingerprint = fp

	score, hit := p.scores.Get(fp)
	if hit {
		// Keep hot fingerprints resident.
		p.scores.Touch(fp)
	} else {
		computed, err := p.classify(ctx, ev, fp)
		if err != nil {
			// Typed processing error for this event only; the worker
			// continues with the next credited item.
			metrics.RecordProcessingError()
			logger.V(logutil.DEBUG).Info("Classification failed, downgrading to default score",
				"eventID", ev.ID, "err", err)
			computed = p.cfg.DefaultScore
		} else {
			p.scores.Put(fp, computed, p.cfg.CacheTTL)
		}
		score = computed
	}

	ev.Score = score
	ev.Lane = p.laneFor(score)
	logger.V(logutil.TRACE).Info("Event processed", "eventID", ev.ID, "score", score, "lane", ev.Lane)
	p.lanes[ev.Lane].add(ctx, ev)
}

// classify consults a deterministically-selected subset of actors and folds
// their responses into a scalar score. Partial failures are tolerated; the
// call fails only when no actor produced a response.
func (p *Pipeline) classify(ctx context.Context, ev *Event, fp uint64) (float64, error) {
	ids := selectActors(fp, p.cfg.FanOut, p.cfg.ActorCount)
	responses := make([]any, 0, len(ids))
	var errs error
	for _, id := range ids {
		res, err := p.activator.Activate(ctx, id, ev.Payload)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("actor %d: %w", id, err))
			continue
		}
		responses = append(responses, res)
	}
	if len(responses) == 0 {
		return 0, fmt.Errorf("no actor produced a response for event %s: %w", ev.ID, errs)
	}
	return p.cfg.AggregateFn(responses), nil
}

func (p *Pipeline) laneFor(score float64) Lane {
	if score >= p.cfg.ScoreThreshold {
		return LaneHigh
	}
	return LaneLow
}
